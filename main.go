package main

import "github.com/nextlevelbuilder/clawworker/cmd"

func main() {
	cmd.Execute()
}
