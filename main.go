package main

import "github.com/csweichel/rangefs/cmd"

func main() {
	cmd.Execute()
}
