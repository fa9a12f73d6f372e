// Program fabric-relayd is the bridge relay daemon: a long-lived shared
// process that routes broadcasts and direct messages between the peers of
// named channels.
package main

import "github.com/fabricrpc/fabric/cmd/fabric-relayd/commands"

func main() {
	commands.Execute()
}
