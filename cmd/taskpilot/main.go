// Command taskpilot runs change-proposal tasks through external coding-agent
// CLIs.
package main

func main() {
	Execute()
}
