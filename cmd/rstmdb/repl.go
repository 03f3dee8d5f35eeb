package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rstmdb/rstmdb/internal/protocol"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session",
	Long: `Reads commands of the form "OP [params-json]" and dispatches them on a
single connection. Type "help" for the operation list, "quit" to exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		fmt.Printf("connected to %s (%s)\n", flagServer, c.ServerName)

		// Stream events print as they arrive, interleaved with responses.
		go func() {
			for event := range c.Events() {
				out, _ := json.Marshal(event)
				fmt.Printf("\nevent: %s\n> ", out)
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			switch strings.ToLower(line) {
			case "quit", "exit":
				return nil
			case "help":
				printReplHelp()
				continue
			}

			opName, paramsJSON, _ := strings.Cut(line, " ")
			op := protocol.Op(strings.ToUpper(opName))
			if !op.Valid() {
				fmt.Printf("unknown operation: %s (try \"help\")\n", opName)
				continue
			}

			var params json.RawMessage
			if paramsJSON = strings.TrimSpace(paramsJSON); paramsJSON != "" {
				if !json.Valid([]byte(paramsJSON)) {
					fmt.Println("params must be a JSON document")
					continue
				}
				params = json.RawMessage(paramsJSON)
			}

			response, err := c.Call(op, params)
			if err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			if response.IsOk() {
				printJSON(response.Result)
			} else {
				fmt.Printf("error: %s (%s, retryable=%t)\n",
					response.Error.Message, response.Error.Code, response.Error.Retryable)
			}
		}
	},
}

func printReplHelp() {
	fmt.Println(`operations:
  PING  INFO  BYE
  PUT_MACHINE {"machine":..., "version":..., "definition":{...}}
  GET_MACHINE {"machine":..., "version":...}
  LIST_MACHINES
  CREATE_INSTANCE {"instance_id":..., "machine":..., "version":...}
  GET_INSTANCE {"instance_id":...}
  LIST_INSTANCES {"machine":..., "state":..., "limit":...}
  DELETE_INSTANCE {"instance_id":...}
  APPLY_EVENT {"instance_id":..., "event":..., "payload":{...}}
  BATCH {"mode":"best_effort", "ops":[...]}
  SNAPSHOT_INSTANCE {"instance_id":...}
  WAL_READ {"from_offset":0, "limit":10}
  WAL_STATS
  COMPACT {"force_snapshot":true}
  WATCH_INSTANCE {"instance_id":..., "include_ctx":true}
  WATCH_ALL {"machines":[...]}
  UNWATCH {"subscription_id":...}`)
}
