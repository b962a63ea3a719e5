package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/parley/internal/apiclient"
	"github.com/manpreetbhatti/parley/internal/session"
)

func newAPIClient(opts *rootOptions) (*apiclient.Client, error) {
	return apiclient.New(opts.cfg.Client.ServerURL)
}

func newNewCmd(opts *rootOptions) *cobra.Command {
	var sceneryID string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create an interview room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			room, err := client.CreateRoom(cmd.Context(), sceneryID)
			if err != nil {
				return errors.Wrap(err, session.DescribeCreateError(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), room.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sceneryID, "scenery", "", "scenery id (default scenery when empty)")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <room> <answer...>",
		Short: "Submit an answer to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			resp, err := client.SubmitAnswer(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return errors.Wrap(err, session.DescribeSubmitError(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Round %d started (turn %s)\n", resp.Round, resp.TurnID)
			return nil
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <room>",
		Short: "Stop the running turn in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			if err := client.CancelTurn(cmd.Context(), args[0]); err != nil {
				return errors.Wrap(err, session.DescribeCancelError(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Turn cancelled.")
			return nil
		},
	}
}

func newRoomsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			rooms, err := client.ListRooms(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCENERY\tSTATE\tWATCHERS\tUPDATED")
			for _, r := range rooms {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.SceneryID, r.State, r.Subscribers, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newSceneriesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sceneries",
		Short: "List the interview sceneries the server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			sceneries, err := client.ListSceneries(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range sceneries {
				fmt.Fprintf(out, "%s  %s\n", s.ID, s.Name)
				if s.Description != "" {
					fmt.Fprintf(out, "    %s\n", s.Description)
				}
				for _, a := range s.Agents {
					fmt.Fprintf(out, "    - %s (%s)\n", a.Name, a.ID)
				}
			}
			return nil
		},
	}
}
