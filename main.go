package main

import "github.com/crystaldolphin/replyflow/cmd"

func main() {
	cmd.Execute()
}
