// Command agentfleetd runs one fleet replica: the task dispatcher, agent mesh
// and session sync components behind an HTTP and websocket API.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
