package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/maildir"
	"github.com/infodancer/mailstore/manager"
	"github.com/spf13/cobra"
)

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <user>",
		Short: "List the mailboxes of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.manager.CreateSession(args[0])
			defer session.Close()

			result, err := a.manager.Search(cmd.Context(), session, mailstore.MailboxQuery{
				Base:      session.Path(""),
				Pattern:   "*",
				Delimiter: session.Delimiter,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, md := range result {
				var attrs []string
				if md.Selectability == mailstore.NoSelect {
					attrs = append(attrs, `\Noselect`)
				}
				switch md.Children {
				case mailstore.HasChildren:
					attrs = append(attrs, `\HasChildren`)
				case mailstore.HasNoChildren:
					attrs = append(attrs, `\HasNoChildren`)
				}
				fmt.Fprintf(out, "%s\t(%s)\n", md.Path.Name, strings.Join(attrs, " "))
			}
			return nil
		},
	}
}

func newStatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <user> <mailbox>",
		Short: "Show the status of a mailbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.manager.CreateSession(args[0])
			defer session.Close()

			mm, err := a.manager.ExamineMailbox(cmd.Context(), session, session.Path(args[1]))
			if err != nil {
				return err
			}
			md, err := mm.MetaData(cmd.Context(), session, false, mailstore.FetchAll)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mailbox:      %s\n", mm.Mailbox().Path.Name)
			fmt.Fprintf(out, "id:           %s\n", mm.Mailbox().ID)
			fmt.Fprintf(out, "uidvalidity:  %d\n", md.UIDValidity)
			fmt.Fprintf(out, "uidnext:      %d\n", md.UIDNext)
			fmt.Fprintf(out, "messages:     %d\n", md.MessageCount)
			fmt.Fprintf(out, "recent:       %d\n", len(md.Recent))
			fmt.Fprintf(out, "unseen:       %d\n", md.UnseenCount)
			if md.FirstUnseen != 0 {
				fmt.Fprintf(out, "first unseen: %d\n", md.FirstUnseen)
			}
			return nil
		},
	}
}

func newRebuildCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <user> <mailbox>",
		Short: "Rebuild the uid-list of a maildir mailbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ok := a.backend.(*maildir.Store)
			if !ok {
				return fmt.Errorf("rebuild requires the maildir backend")
			}
			path := mailstore.NewMailboxPath(args[0], args[1])
			list, err := store.Rebuild(cmd.Context(), path)
			if err != nil {
				return err
			}
			a.logger.Info("uid-list rebuilt",
				slog.String("mailbox", path.String()),
				slog.Int("messages", len(list.Entries)),
				slog.Uint64("last_uid", uint64(list.LastUID)))
			fmt.Fprintf(cmd.OutOrStdout(), "%d messages, last uid %d\n", len(list.Entries), list.LastUID)
			return nil
		},
	}
}

func newAppendCommand(a *app) *cobra.Command {
	var (
		flags  []string
		recent bool
	)
	cmd := &cobra.Command{
		Use:   "append <user> <mailbox> <file>",
		Short: "Append a message file to a mailbox",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.manager.CreateSession(args[0])
			defer session.Close()

			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			mm, err := a.manager.GetMailbox(cmd.Context(), session, session.Path(args[1]))
			if err != nil {
				return err
			}
			set := make([]imap.Flag, 0, len(flags))
			for _, fl := range flags {
				set = append(set, imap.Flag(fl))
			}
			uid, err := mm.AppendMessage(cmd.Context(), session, f, info.ModTime(), recent, mailstore.NewFlags(set...))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", uid)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flags, "flag", nil, `flag to set on the message, e.g. \Seen (repeatable)`)
	cmd.Flags().BoolVar(&recent, "recent", false, "mark the message recent")
	return cmd
}

func newExpungeCommand(a *app) *cobra.Command {
	var uids []uint
	cmd := &cobra.Command{
		Use:   "expunge <user> <mailbox>",
		Short: "Remove messages flagged deleted",
		Long: "Remove messages flagged \\Deleted. With --uid the listed messages " +
			"are flagged \\Deleted first.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.manager.CreateSession(args[0])
			defer session.Close()

			mm, err := a.manager.GetMailbox(cmd.Context(), session, session.Path(args[1]))
			if err != nil {
				return err
			}
			if len(uids) > 0 {
				var set imap.UIDSet
				for _, u := range uids {
					set.AddNum(imap.UID(u))
				}
				for _, r := range mailstore.RangesFromUIDSet(set) {
					if _, err := mm.SetFlags(cmd.Context(), session, mailstore.NewFlags(imap.FlagDeleted), imap.StoreFlagsAdd, r); err != nil {
						return err
					}
				}
			}
			expunged, err := mm.Expunge(cmd.Context(), session, mailstore.All())
			if err != nil {
				return err
			}
			for _, u := range expunged {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", u)
			}
			return nil
		},
	}
	cmd.Flags().UintSliceVar(&uids, "uid", nil, "flag this UID deleted before expunging (repeatable)")
	return cmd
}

func newDeliverCommand(a *app) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "deliver <recipient> <file>",
		Short: "Deliver a message file to the INBOX of a recipient",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			envelope := mailstore.Envelope{
				From:         from,
				Recipients:   []string{args[0]},
				ReceivedTime: time.Now(),
			}
			return manager.NewDeliverer(a.manager).Deliver(cmd.Context(), envelope, f)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "envelope sender")
	return cmd
}
