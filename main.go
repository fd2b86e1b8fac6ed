package main

import "vellum/cmd"

func main() {
	cmd.Execute()
}
