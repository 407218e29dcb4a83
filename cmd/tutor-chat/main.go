// tutor-chat - terminal client for the tutoring agent
package main

import "github.com/ashureev/tutor-chat/internal/cli"

func main() {
	cli.Execute()
}
