package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/davsync/internal/app"
	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

var calendarsAccountName string

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List calendars on both sides",
	Long: `Discover the calendars visible to a CalDAV account and to the
stored Google credential, for building calendar mappings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if calendarsAccountName == "" {
			return fmt.Errorf("--account is required")
		}

		ctx := cmd.Context()
		container, err := app.NewContainer(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer container.Close()

		account, err := container.Accounts.FindByName(ctx, calendarsAccountName)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("caldav account %q not found", calendarsAccountName)
		}
		password, err := container.Encrypter.DecryptString(account.PasswordEncrypted())
		if err != nil {
			return fmt.Errorf("decrypt caldav password: %w", err)
		}

		testErr := container.CalDAVClient.TestConnection(ctx, account, password)
		account.RecordConnectionTest(testErr == nil, time.Now().UTC())
		if err := container.Accounts.Save(ctx, account); err != nil {
			return fmt.Errorf("record connection test: %w", err)
		}
		if testErr != nil {
			return fmt.Errorf("caldav connection test: %w", testErr)
		}

		caldavCalendars, err := container.CalDAVClient.DiscoverCalendars(ctx, account, password)
		if err != nil {
			return fmt.Errorf("discover caldav calendars: %w", err)
		}
		fmt.Printf("CalDAV calendars (%s):\n", account.Name())
		printCalendars(caldavCalendars)

		googleCalendars, err := container.GoogleClient.ListCalendars(ctx)
		if err != nil {
			return fmt.Errorf("list google calendars: %w", err)
		}
		fmt.Println("\nGoogle calendars:")
		printCalendars(googleCalendars)
		return nil
	},
}

func printCalendars(calendars []domain.CalendarInfo) {
	if len(calendars) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, cal := range calendars {
		marker := ""
		if cal.Primary {
			marker = " (primary)"
		}
		fmt.Printf("  %s  %s%s\n", cal.ID, cal.Name, marker)
	}
}

func init() {
	calendarsCmd.Flags().StringVarP(&calendarsAccountName, "account", "a", "", "caldav account name")
}
