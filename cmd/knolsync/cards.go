package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/fsrs"
	"github.com/conorfennell/knolsync/internal/review"
)

func newAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <question> <answer>",
		Short: "Create a card",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			projects, _ := cmd.Flags().GetStringSlice("project")
			c, err := a.review.Create(cmd.Context(), review.NewCard{
				Question: args[0],
				Answer:   args[1],
				Projects: projects,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		}),
	}
	cmd.Flags().StringSlice("project", nil, "project tag (repeatable)")
	return cmd
}

func newDueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List the cards to study now",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			limits := a.cfg.Day.Limits()
			if cmd.Flags().Changed("new") {
				limits.New, _ = cmd.Flags().GetInt("new")
			}
			if cmd.Flags().Changed("reviews") {
				limits.Review, _ = cmd.Flags().GetInt("reviews")
			}
			cards, err := a.review.DueQueue(cmd.Context(), limits)
			if err != nil {
				return err
			}
			printCards(cmd.OutOrStdout(), cards)
			return nil
		}),
	}
	cmd.Flags().Int("new", 0, "override day.new_limit")
	cmd.Flags().Int("reviews", 0, "override day.review_limit")
	return cmd
}

func newGradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "grade <card-id> <again|hard|good|easy>",
		Short: "Record a review",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			rating, err := fsrs.ParseRating(args[1])
			if err != nil {
				return err
			}
			c, err := a.review.Grade(cmd.Context(), args[0], rating)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s, next review %s\n",
				c.ID, c.State, c.Due.Local().Format(time.DateTime))
			return nil
		}),
	}
}

func newSuspendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suspend <card-id>",
		Short: "Suspend a card, or resume it with --off",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			off, _ := cmd.Flags().GetBool("off")
			_, err := a.review.Suspend(cmd.Context(), args[0], !off)
			return err
		}),
	}
	cmd.Flags().Bool("off", false, "resume a suspended card")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <card-id>",
		Short: "Delete a card on every device",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			return a.review.Delete(cmd.Context(), args[0])
		}),
	}
}

func printCards(w io.Writer, cards []domain.Card) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tDUE\tQUESTION")
	for _, c := range cards {
		q := strings.ReplaceAll(c.Question, "\n", " ")
		if r := []rune(q); len(r) > 60 {
			q = string(r[:57]) + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.State, c.Due.Local().Format(time.DateTime), q)
	}
	tw.Flush()
}
