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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSign/services/signing/session"
)

var (
	createRecipients []string
	createFields     []string
	createTTL        time.Duration

	transitionActor string

	signField  string
	signKind   string
	signSigner string
	signText   string
	signFile   string

	docOutput string

	createCmd = &cobra.Command{
		Use:   "create [document-file]",
		Short: "Creates a signing session around a document",
		Long: `Reads the document, encrypts it into the local store, and opens a
pending session. Recipients use "id,email,name,role" where role is
signer or carbon_copy; fields use "id,type,page,recipient_id" where
type is signature, initials, date, or text.`,
		Args: cobra.ExactArgs(1),
		RunE: runCreateCommand,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Lists all local signing sessions",
		RunE:  runListCommand,
	}
	showCmd = &cobra.Command{
		Use:   "show [session-id]",
		Short: "Shows one session, audit chain included",
		Args:  cobra.ExactArgs(1),
		RunE:  runShowCommand,
	}
	transitionCmd = &cobra.Command{
		Use:   "transition [session-id] [status]",
		Short: "Moves a session to a new status (accepted, declined, completed)",
		Args:  cobra.ExactArgs(2),
		RunE:  runTransitionCommand,
	}
	signCmd = &cobra.Command{
		Use:   "sign [session-id]",
		Short: "Records a signature on one field of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSignCommand,
	}
	docCmd = &cobra.Command{
		Use:   "doc [session-id]",
		Short: "Decrypts and writes out the session's document",
		Args:  cobra.ExactArgs(1),
		RunE:  runDocCommand,
	}
	auditCmd = &cobra.Command{
		Use:   "audit [session-id]",
		Short: "Verifies the session's audit chain",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditCommand,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Removes a session and its encrypted document from this device",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteCommand,
	}
)

func init() {
	createCmd.Flags().StringArrayVar(&createRecipients, "recipient", nil, `recipient as "id,email,name,role" (repeatable)`)
	createCmd.Flags().StringArrayVar(&createFields, "field", nil, `field as "id,type,page,recipient_id" (repeatable)`)
	createCmd.Flags().DurationVar(&createTTL, "ttl", 0, "session lifetime (0 uses the configured default)")

	transitionCmd.Flags().StringVar(&transitionActor, "actor", "", "recipient acting on the session")

	signCmd.Flags().StringVar(&signField, "field", "", "field id to sign (required)")
	signCmd.Flags().StringVar(&signKind, "kind", "typed", "signature kind: drawn or typed")
	signCmd.Flags().StringVar(&signSigner, "signer", "", "recipient id of the signer (required)")
	signCmd.Flags().StringVar(&signText, "text", "", "typed signature text")
	signCmd.Flags().StringVar(&signFile, "payload", "", "file with the signature payload (stroke data)")
	_ = signCmd.MarkFlagRequired("field")
	_ = signCmd.MarkFlagRequired("signer")

	docCmd.Flags().StringVarP(&docOutput, "out", "o", "", "output path (default: stdout)")

	rootCmd.AddCommand(createCmd, listCmd, showCmd, transitionCmd, signCmd, docCmd, auditCmd, deleteCmd)
}

func parseRecipients(specs []string) ([]session.Recipient, error) {
	out := make([]session.Recipient, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("recipient %q: want id,email,name,role", spec)
		}
		role := session.RecipientRole(parts[3])
		if role != session.RoleSigner && role != session.RoleCarbonCopy {
			return nil, fmt.Errorf("recipient %q: unknown role %q", spec, parts[3])
		}
		out = append(out, session.Recipient{ID: parts[0], Email: parts[1], Name: parts[2], Role: role})
	}
	return out, nil
}

func parseFields(specs []string) ([]session.SignatureField, error) {
	out := make([]session.SignatureField, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("field %q: want id,type,page,recipient_id", spec)
		}
		page, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("field %q: bad page: %w", spec, err)
		}
		switch session.FieldType(parts[1]) {
		case session.FieldSignature, session.FieldInitials, session.FieldDate, session.FieldText:
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", spec, parts[1])
		}
		out = append(out, session.SignatureField{
			ID:          parts[0],
			Type:        session.FieldType(parts[1]),
			Page:        page,
			Required:    true,
			RecipientID: parts[3],
		})
	}
	return out, nil
}

func runCreateCommand(cmd *cobra.Command, args []string) error {
	document, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	recipients, err := parseRecipients(createRecipients)
	if err != nil {
		return err
	}
	fields, err := parseFields(createFields)
	if err != nil {
		return err
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	var opts []session.CreateOption
	if createTTL > 0 {
		opts = append(opts, session.WithTTL(createTTL))
	}
	s, err := eng.sessions.CreateSession(context.Background(), document, recipients, fields, opts...)
	if err != nil {
		return err
	}
	fmt.Printf("Created session %s\n", s.ID)
	fmt.Printf("  document: %s\n", s.DocumentHash)
	if s.ExpiresAt != nil {
		fmt.Printf("  expires:  %s\n", s.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runListCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	sessions, err := eng.sessions.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-10s  signatures=%d/%d  created=%s\n",
			s.ID, s.Status, len(s.Signatures), len(s.Fields), s.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runShowCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	s, err := eng.sessions.GetSession(context.Background(), args[0])
	if err != nil {
		return err
	}
	// The ciphertext and key have no business on a terminal.
	s.Ciphertext = nil
	s.Nonce = nil
	s.DocumentKey = nil
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTransitionCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	s, err := eng.sessions.UpdateStatus(context.Background(), args[0], session.Status(args[1]), transitionActor)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s is now %s\n", s.ID, s.Status)
	return nil
}

func runSignCommand(cmd *cobra.Command, args []string) error {
	var payload []byte
	switch {
	case signFile != "":
		var err error
		payload, err = os.ReadFile(signFile)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	case signText != "":
		payload = []byte(signText)
	default:
		return fmt.Errorf("one of --text or --payload is required")
	}
	kind := session.SignatureKind(signKind)
	if kind != session.SignatureDrawn && kind != session.SignatureTyped {
		return fmt.Errorf("unknown signature kind %q", signKind)
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	s, err := eng.sessions.RecordSignature(context.Background(), args[0], signField, session.SignatureData{
		Kind:     kind,
		Payload:  payload,
		SignerID: signSigner,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Signed field %s on session %s (%d/%d fields signed)\n",
		signField, s.ID, len(s.Signatures), len(s.Fields))
	return nil
}

func runDocCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	document, err := eng.sessions.GetDocument(context.Background(), args[0])
	if err != nil {
		return err
	}
	if docOutput == "" {
		_, err = os.Stdout.Write(document)
		return err
	}
	if err := os.WriteFile(docOutput, document, 0600); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(document), docOutput)
	return nil
}

func runAuditCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.sessions.VerifyAudit(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Println("Audit chain intact.")
	return nil
}

func runDeleteCommand(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.sessions.DeleteSession(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}
