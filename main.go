package main

import "ruleforge/cmd"

func main() {
	cmd.Execute()
}
