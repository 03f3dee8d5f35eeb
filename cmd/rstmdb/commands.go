package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/rstmdb/rstmdb/internal/auth"
	"github.com/rstmdb/rstmdb/internal/protocol"
)

func readJSONArg(value, file string) (json.RawMessage, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return json.RawMessage(data), nil
	}
	if value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("invalid JSON: %s", value)
	}
	return json.RawMessage(value), nil
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check server liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(protocol.OpPing, nil)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show server capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(protocol.OpInfo, nil)
	},
}

var putMachineCmd = &cobra.Command{
	Use:   "put-machine <machine> <version>",
	Short: "Register a machine definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		definitionJSON, _ := cmd.Flags().GetString("definition")
		definitionFile, _ := cmd.Flags().GetString("file")
		definition, err := readJSONArg(definitionJSON, definitionFile)
		if err != nil {
			return err
		}
		if definition == nil {
			return fmt.Errorf("a definition is required (--definition or --file)")
		}

		var version uint32
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return fmt.Errorf("invalid version: %s", args[1])
		}

		return call(protocol.OpPutMachine, map[string]any{
			"machine":    args[0],
			"version":    version,
			"definition": definition,
		})
	},
}

var getMachineCmd = &cobra.Command{
	Use:   "get-machine <machine> <version>",
	Short: "Fetch a machine definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var version uint32
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return fmt.Errorf("invalid version: %s", args[1])
		}
		return call(protocol.OpGetMachine, map[string]any{
			"machine": args[0],
			"version": version,
		})
	},
}

var listMachinesCmd = &cobra.Command{
	Use:   "list-machines",
	Short: "List registered machines and versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(protocol.OpListMachines, nil)
	},
}

var createInstanceCmd = &cobra.Command{
	Use:   "create-instance <machine> <version>",
	Short: "Create a new instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var version uint32
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			return fmt.Errorf("invalid version: %s", args[1])
		}

		params := map[string]any{"machine": args[0], "version": version}
		if id, _ := cmd.Flags().GetString("id"); id != "" {
			params["instance_id"] = id
		}
		ctxJSON, _ := cmd.Flags().GetString("ctx")
		if ctx, err := readJSONArg(ctxJSON, ""); err != nil {
			return err
		} else if ctx != nil {
			params["initial_ctx"] = ctx
		}
		if key, _ := cmd.Flags().GetString("idempotency-key"); key != "" {
			params["idempotency_key"] = key
		}
		return call(protocol.OpCreateInstance, params)
	},
}

var getInstanceCmd = &cobra.Command{
	Use:   "get-instance <instance-id>",
	Short: "Fetch an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(protocol.OpGetInstance, map[string]string{"instance_id": args[0]})
	},
}

var listInstancesCmd = &cobra.Command{
	Use:   "list-instances",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{}
		if machine, _ := cmd.Flags().GetString("machine"); machine != "" {
			params["machine"] = machine
		}
		if state, _ := cmd.Flags().GetString("state"); state != "" {
			params["state"] = state
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			params["limit"] = limit
		}
		if offset, _ := cmd.Flags().GetInt("offset"); offset > 0 {
			params["offset"] = offset
		}
		return call(protocol.OpListInstances, params)
	},
}

var deleteInstanceCmd = &cobra.Command{
	Use:   "delete-instance <instance-id>",
	Short: "Soft-delete an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"instance_id": args[0]}
		if key, _ := cmd.Flags().GetString("idempotency-key"); key != "" {
			params["idempotency_key"] = key
		}
		return call(protocol.OpDeleteInstance, params)
	},
}

var applyEventCmd = &cobra.Command{
	Use:   "apply-event <instance-id> <event>",
	Short: "Apply an event to an instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"instance_id": args[0], "event": args[1]}

		payloadJSON, _ := cmd.Flags().GetString("payload")
		if payload, err := readJSONArg(payloadJSON, ""); err != nil {
			return err
		} else if payload != nil {
			params["payload"] = payload
		}
		if state, _ := cmd.Flags().GetString("expected-state"); state != "" {
			params["expected_state"] = state
		}
		if cmd.Flags().Changed("expected-wal-offset") {
			offset, _ := cmd.Flags().GetUint64("expected-wal-offset")
			params["expected_wal_offset"] = offset
		}
		if id, _ := cmd.Flags().GetString("event-id"); id != "" {
			params["event_id"] = id
		}
		if key, _ := cmd.Flags().GetString("idempotency-key"); key != "" {
			params["idempotency_key"] = key
		}
		return call(protocol.OpApplyEvent, params)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run a batch of operations from a JSON file",
	Long: `The file holds {"mode": "best_effort"|"atomic", "ops": [{"op": ..., "params": ...}]}.
Atomic mode stops at the first failing operation; already-applied operations
are not rolled back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		batch, err := readJSONArg("", file)
		if err != nil {
			return err
		}

		var params map[string]json.RawMessage
		if err := json.Unmarshal(batch, &params); err != nil {
			return fmt.Errorf("invalid batch file: %w", err)
		}
		return call(protocol.OpBatch, params)
	},
}

var snapshotInstanceCmd = &cobra.Command{
	Use:   "snapshot-instance <instance-id>",
	Short: "Create a snapshot of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(protocol.OpSnapshotInstance, map[string]string{"instance_id": args[0]})
	},
}

var walReadCmd = &cobra.Command{
	Use:   "wal-read",
	Short: "Read WAL entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetUint64("from")
		limit, _ := cmd.Flags().GetInt("limit")
		params := map[string]any{"from_offset": from}
		if limit > 0 {
			params["limit"] = limit
		}
		return call(protocol.OpWalRead, params)
	},
}

var walStatsCmd = &cobra.Command{
	Use:   "wal-stats",
	Short: "Show WAL statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(protocol.OpWalStats, nil)
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Trigger snapshot-based WAL compaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force-snapshot")
		return call(protocol.OpCompact, map[string]bool{"force_snapshot": force})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [instance-id]",
	Short: "Stream state transitions (all instances when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		includeCtx, _ := cmd.Flags().GetBool("ctx")

		var op protocol.Op
		params := map[string]any{"include_ctx": includeCtx}
		if len(args) == 1 {
			op = protocol.OpWatchInstance
			params["instance_id"] = args[0]
		} else {
			op = protocol.OpWatchAll
			if machines, _ := cmd.Flags().GetStringSlice("machine"); len(machines) > 0 {
				params["machines"] = machines
			}
			if events, _ := cmd.Flags().GetStringSlice("event"); len(events) > 0 {
				params["events"] = events
			}
			if states, _ := cmd.Flags().GetStringSlice("to-state"); len(states) > 0 {
				params["to_states"] = states
			}
		}

		response, err := c.Call(op, params)
		if err != nil {
			return err
		}
		if !response.IsOk() {
			return fmt.Errorf("%s (%s)", response.Error.Message, response.Error.Code)
		}
		printJSON(response.Result)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		for {
			select {
			case event, open := <-c.Events():
				if !open {
					return fmt.Errorf("connection closed")
				}
				out, _ := json.Marshal(event)
				fmt.Println(string(out))
			case <-sigCh:
				return nil
			}
		}
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Compute the SHA-256 hash of a token locally",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(auth.HashToken(args[0]))
	},
}

func init() {
	putMachineCmd.Flags().String("definition", "", "definition JSON inline")
	putMachineCmd.Flags().StringP("file", "f", "", "path to a definition JSON file")

	createInstanceCmd.Flags().String("id", "", "instance id (generated when omitted)")
	createInstanceCmd.Flags().String("ctx", "", "initial context JSON")
	createInstanceCmd.Flags().String("idempotency-key", "", "idempotency key")

	listInstancesCmd.Flags().String("machine", "", "filter by machine")
	listInstancesCmd.Flags().String("state", "", "filter by state")
	listInstancesCmd.Flags().Int("limit", 0, "page size")
	listInstancesCmd.Flags().Int("offset", 0, "page offset")

	deleteInstanceCmd.Flags().String("idempotency-key", "", "idempotency key")

	applyEventCmd.Flags().String("payload", "", "event payload JSON")
	applyEventCmd.Flags().String("expected-state", "", "optimistic state precondition")
	applyEventCmd.Flags().Uint64("expected-wal-offset", 0, "optimistic WAL offset precondition")
	applyEventCmd.Flags().String("event-id", "", "caller-supplied event id")
	applyEventCmd.Flags().String("idempotency-key", "", "idempotency key")

	batchCmd.Flags().StringP("file", "f", "", "path to a batch JSON file")

	walReadCmd.Flags().Uint64("from", 0, "start offset")
	walReadCmd.Flags().Int("limit", 0, "max entries")

	compactCmd.Flags().Bool("force-snapshot", false, "snapshot every instance that advanced")

	watchCmd.Flags().Bool("ctx", false, "include instance context in events")
	watchCmd.Flags().StringSlice("machine", nil, "filter by machine (WATCH_ALL)")
	watchCmd.Flags().StringSlice("event", nil, "filter by event name (WATCH_ALL)")
	watchCmd.Flags().StringSlice("to-state", nil, "filter by target state (WATCH_ALL)")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(putMachineCmd)
	rootCmd.AddCommand(getMachineCmd)
	rootCmd.AddCommand(listMachinesCmd)
	rootCmd.AddCommand(createInstanceCmd)
	rootCmd.AddCommand(getInstanceCmd)
	rootCmd.AddCommand(listInstancesCmd)
	rootCmd.AddCommand(deleteInstanceCmd)
	rootCmd.AddCommand(applyEventCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(snapshotInstanceCmd)
	rootCmd.AddCommand(walReadCmd)
	rootCmd.AddCommand(walStatsCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(hashTokenCmd)
	rootCmd.AddCommand(replCmd)
}
