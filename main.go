package main

import "chatroster/cmd"

func main() {
	cmd.Execute()
}
