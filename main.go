package main

import "github.com/kozaktomas/occupancy-tracker/cmd"

func main() {
	cmd.Execute()
}
