// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	queueExportOut string

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline replication queue",
	}
	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "Lists pending replication items in drain order",
		RunE:  runQueueListCommand,
	}
	queueDrainCmd = &cobra.Command{
		Use:   "drain",
		Short: "Runs one drain cycle against the signing authority",
		RunE:  runQueueDrainCommand,
	}
	queueRetryCmd = &cobra.Command{
		Use:   "retry [item-id]",
		Short: "Revives a dead-lettered item for another delivery attempt",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRetryCommand,
	}
	queueExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Exports the queue as a portable JSON envelope",
		RunE:  runQueueExportCommand,
	}
	queueImportCmd = &cobra.Command{
		Use:   "import [envelope-file]",
		Short: "Imports a queue envelope exported on another device",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueImportCommand,
	}
)

func init() {
	queueExportCmd.Flags().StringVarP(&queueExportOut, "out", "o", "", "output path (default: stdout)")
	queueCmd.AddCommand(queueListCmd, queueDrainCmd, queueRetryCmd, queueExportCmd, queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueListCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	items, err := eng.sync.Queue(context.Background())
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}
	for _, item := range items {
		state := "pending"
		switch {
		case item.DeadLettered:
			state = "dead-lettered"
		case !item.NextAttemptAt.IsZero():
			state = fmt.Sprintf("backoff until %s", item.NextAttemptAt.Format(time.RFC3339))
		}
		fmt.Printf("%s  %-8s  session=%s  retries=%d  %s\n",
			item.ID, item.Action, item.SessionID, item.Retries, state)
	}
	return nil
}

func runQueueDrainCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	ctx := context.Background()
	before, err := eng.sync.Queue(ctx)
	if err != nil {
		return err
	}
	eng.sync.SetOnline(true)
	if err := eng.sync.Drain(ctx); err != nil {
		return err
	}
	after, err := eng.sync.Queue(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Drained %d of %d items; %d remain.\n", len(before)-len(after), len(before), len(after))
	return nil
}

func runQueueRetryCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.sync.RetryItem(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Item %s requeued.\n", args[0])
	return nil
}

func runQueueExportCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	data, err := eng.sync.SerializeQueue(context.Background())
	if err != nil {
		return err
	}
	if queueExportOut == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(queueExportOut, data, 0600); err != nil {
		return err
	}
	fmt.Printf("Exported queue to %s\n", queueExportOut)
	return nil
}

func runQueueImportCommand(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	n, err := eng.sync.ImportQueue(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d items.\n", n)
	return nil
}
