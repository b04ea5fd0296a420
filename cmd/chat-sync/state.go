package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var stateDBPath string

func init() {
	stateCmd.Flags().StringVar(&stateDBPath, "db", os.Getenv("CHAT_STATE_DB"), "state database (default ~/.chat-sync/state.db)")
	rootCmd.AddCommand(stateCmd)
}

var stateCmd = &cobra.Command{
	Use:   "state [username]",
	Short: "Print the locally mirrored chat state",
	Long: "Without arguments, lists the users with a stored mirror. With a username, prints that " +
		"user's contacts, blocked users and pending requests from the last saved mirror.\n\n" +
		"The daemon holds a lock on the database while running.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := stateDBPath
		if path == "" {
			p, err := config.DefaultStateDB()
			if err != nil {
				return err
			}

			path = p
		}

		st, err := state.LoadAt(path)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 0 {
			return printUsers(cmd.OutOrStdout(), st)
		}

		return printMirror(cmd.OutOrStdout(), st, args[0])
	},
}

func printUsers(w io.Writer, st *state.State) error {
	users, err := st.MirrorUsers()
	if err != nil {
		return fmt.Errorf("listing mirrors: %w", err)
	}

	table := newTable(w, "User", "Contacts", "Messages", "Saved")

	for _, u := range users {
		m, err := st.GetMirror(u)
		if err != nil || m == nil {
			continue
		}

		table.Append([]string{
			u,
			strconv.Itoa(len(m.Contacts)),
			strconv.Itoa(countMessages(m)),
			m.SavedAt.Format("2006-01-02 15:04:05Z07:00"),
		})
	}

	table.Render()

	return nil
}

func printMirror(w io.Writer, st *state.State, username string) error {
	m, err := st.GetMirror(username)
	if err != nil {
		return fmt.Errorf("reading mirror: %w", err)
	}

	if m == nil {
		return fmt.Errorf("no mirror stored for %q", username)
	}

	fmt.Fprintf(w, "%s (saved %s)\n\n", username, m.SavedAt.Format("2006-01-02 15:04:05Z07:00"))

	table := newTable(w, "Contact", "Messages", "Last message")

	for _, c := range m.Contacts {
		log := m.Messages[c]
		last := ""

		if len(log) > 0 {
			msg := log[len(log)-1]
			last = fmt.Sprintf("%s %s: %s", msg.Timestamp, msg.Sender, truncate(msg.Content, 40))
		}

		table.Append([]string{c, strconv.Itoa(len(log)), last})
	}

	table.Render()

	if len(m.Pending) > 0 {
		fmt.Fprintln(w)

		pending := newTable(w, "Pending from", "Received")
		for _, p := range m.Pending {
			pending.Append([]string{p.From, p.ReceivedAt})
		}

		pending.Render()
	}

	if len(m.Blocked) > 0 {
		fmt.Fprintf(w, "\nBlocked: %s\n", strings.Join(m.Blocked, ", "))
	}

	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
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

func countMessages(m *state.Mirror) int {
	n := 0
	for _, log := range m.Messages {
		n += len(log)
	}

	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n]) + "..."
}
