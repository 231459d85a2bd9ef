package main

import "github.com/nextlevelbuilder/goclaw-guard/cmd"

func main() {
	cmd.Execute()
}
