// Package main provides the entry point for the cycle-engine CLI.
package main

import "yqhp/cycle-engine/cmd"

func main() {
	cmd.Execute()
}
