package main

import (
	"context"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cookbook-app/livechat"
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().String("topic", "", "topic to fetch")
	historyCmd.Flags().Bool("all", false, "include deleted messages")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the stored messages of a topic",
	Long:  "Fetch the history snapshot of a topic and print it in display order, the way a session seeds its view.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		records, err := s.historyClient().FetchHistory(ctx, s.Topic, s.Token)
		if err != nil {
			return err
		}

		store := livechat.NewMessageStore()
		for _, rec := range records {
			if rec.ID == "" {
				continue
			}
			store.Upsert(rec.Message(s.Topic))
		}

		table := newTable("ID", "Time", "Sender", "Content")
		for m := range store.All() {
			if m.Deleted() && !all {
				continue
			}
			sender := m.SenderName
			if s.Identity.IsCurrentUser(m.SenderID) {
				sender += " (you)"
			}
			table.Append([]string{m.ID, m.Timestamp.Local().Format(time.DateTime), sender, m.Content})
		}
		table.Render()
		return nil
	},
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
