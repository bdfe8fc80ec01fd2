package main

import "github.com/ksuzuki/jancollect/cmd"

func main() {
	cmd.Execute()
}
