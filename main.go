package main

import "dify-task-engine.com/dify-task-engine/cmd"

func main() {
	cmd.Execute()
}
