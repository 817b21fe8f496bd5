package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("topic", "", "topic to check")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the effective configuration, the identity carried by the token, and check that the history endpoint answers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  WebSocket:   %s\n", s.WSURL)
		fmt.Printf("  API:         %s\n", s.APIURL)
		fmt.Printf("  Topic:       %s\n", s.Topic)
		fmt.Printf("  Profile:     %s\n", s.Profile.Name)
		if s.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(s.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Identity:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(s.Identity.UserID, "(anonymous)"))
		fmt.Printf("  Name:        %s\n", valueOrDefault(s.Identity.Name, "(anonymous)"))

		if !s.Profile.History {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		records, err := s.historyClient().FetchHistory(ctx, s.Topic, s.Token)
		if err != nil {
			fmt.Printf("  History:     %s %v\n", color.Red.Sprint("FAIL"), err)
			return nil
		}
		fmt.Printf("  History:     %s %d messages in %s\n",
			color.Green.Sprint("OK"), len(records), time.Since(start).Round(time.Millisecond))
		return nil
	},
}
