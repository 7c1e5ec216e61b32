package main

import "github.com/samogod/tagtrain/cmd"

func main() {
	cmd.Execute()
}
