package main

import "github.com/popgrowth/deepar/cmd"

func main() {
	cmd.Execute()
}
