package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/archive"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/message"
	"github.com/leonletto/chatcore/internal/mover"
	"github.com/leonletto/chatcore/internal/schema"
	"github.com/leonletto/chatcore/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create the database if needed and bring its schema to the current version.

Safe to run multiple times. Every other command migrates on open as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			version, err := schema.GetSchemaVersion(a.db.Raw())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"path": a.cfg.Database.Path, "version": version})
			}
			if !flagQuiet {
				fmt.Printf("✓ %s at schema version %d\n", a.cfg.Database.Path, version)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send CHANNEL_ID MESSAGE",
		Short: "Post a message to a channel",
		Long: `Post a message to a channel as the --as user.

Examples:
  chatcore send 4 "deploy is done" --as 12
  chatcore send 4 "agreed" --reply-to 881 --as 12`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			channelID, err := parseID("channel id", args[0])
			if err != nil {
				return err
			}
			replyTo, _ := cmd.Flags().GetInt64("reply-to")
			thread, _ := cmd.Flags().GetInt64("thread")
			uploadIDs, _ := cmd.Flags().GetInt64Slice("upload")

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			params := message.CreateParams{
				ChannelID: channelID,
				UserID:    actor,
				Message:   args[1],
				UploadIDs: uploadIDs,
			}
			if replyTo != 0 {
				params.InReplyToID = &replyTo
			}
			if thread != 0 {
				params.ThreadID = &thread
			}
			result, err := a.creator.Create(cmd.Context(), params)
			if err != nil {
				return err
			}
			if !result.OK() {
				return failureError(result.Failure)
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				fmt.Printf("✓ Message sent: %d\n", result.Message.ID)
				if result.Thread != nil {
					label := "Thread"
					if result.NewThread {
						label = "New thread"
					}
					fmt.Printf("  %s: %d\n", label, result.Thread.ID)
				}
				if len(result.Mentions) > 0 {
					fmt.Printf("  Mentions: %d\n", len(result.Mentions))
				}
				printReach(result.Reach)
			}
			return nil
		},
	}
	cmd.Flags().Int64("reply-to", 0, "Message id this replies to")
	cmd.Flags().Int64("thread", 0, "Thread id to post in")
	cmd.Flags().Int64Slice("upload", nil, "Upload id to attach (repeatable)")
	return cmd
}

func editCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit MESSAGE_ID MESSAGE",
		Short: "Edit a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			messageID, err := parseID("message id", args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			params := message.UpdateParams{EditorID: actor, MessageID: messageID, Message: args[1]}
			if cmd.Flags().Changed("upload") {
				params.UploadIDs, _ = cmd.Flags().GetInt64Slice("upload")
				if params.UploadIDs == nil {
					params.UploadIDs = []int64{}
				}
			}
			result, err := a.updater.Update(cmd.Context(), params)
			if err != nil {
				return err
			}
			if !result.OK() {
				return failureError(result.Failure)
			}

			if flagJSON {
				return printJSON(result)
			}
			if !flagQuiet {
				if result.Unchanged {
					fmt.Printf("Message %d unchanged\n", messageID)
					return nil
				}
				fmt.Printf("✓ Message edited: %d (revision %d)\n", messageID, result.RevisionID)
				printReach(result.Reach)
			}
			return nil
		},
	}
	cmd.Flags().Int64Slice("upload", nil, "Replace attachments with these upload ids (repeatable, empty to clear)")
	return cmd
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read CHANNEL_ID MESSAGE_ID",
		Short: "Advance the read cursor of the --as user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			channelID, err := parseID("channel id", args[0])
			if err != nil {
				return err
			}
			messageID, err := parseID("message id", args[1])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			updated, f, err := a.membership.MarkRead(cmd.Context(), actor, channelID, messageID)
			if err != nil {
				return err
			}
			if f != nil {
				return failureError(f)
			}
			unread, err := a.membership.UnreadCount(cmd.Context(), actor, channelID)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"updated": updated, "unread": unread})
			}
			if !flagQuiet {
				if updated {
					fmt.Printf("✓ Read up to %d\n", messageID)
				} else {
					fmt.Printf("Cursor already at or past %d\n", messageID)
				}
				fmt.Printf("  Unread: %s\n", humanize.Comma(int64(unread)))
			}
			return nil
		},
	}
}

func moveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move SOURCE_CHANNEL_ID DEST_CHANNEL_ID MESSAGE_ID...",
		Short: "Move messages to another channel",
		Long: `Move messages, and every message sharing a thread with them, from one
channel to another. A placeholder pointing at the new location is left in the
source channel.

Examples:
  chatcore move 4 9 1201 1202 --as 1`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			source, err := parseID("source channel id", args[0])
			if err != nil {
				return err
			}
			dest, err := parseID("destination channel id", args[1])
			if err != nil {
				return err
			}
			ids := make([]int64, 0, len(args)-2)
			for _, arg := range args[2:] {
				id, err := parseID("message id", arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			result, err := a.mover.Move(cmd.Context(), mover.MoveParams{
				ActorID:              actor,
				SourceChannelID:      source,
				DestinationChannelID: dest,
				MessageIDs:           ids,
			})
			if err != nil {
				return err
			}
			if !result.OK() {
				return failureError(result.Failure)
			}

			if flagJSON {
				return printJSON(map[string]any{
					"message_ids":      result.MessageIDs,
					"first_message_id": result.FirstMessageID,
					"placeholder_id":   result.PlaceholderID,
					"thread_ids":       result.ThreadIDs,
				})
			}
			if !flagQuiet {
				fmt.Printf("✓ Moved %s to channel %d\n", pluralMessages(len(result.MessageIDs)), dest)
				for _, old := range result.IDMap.Old() {
					copied, _ := result.IDMap.Lookup(old)
					fmt.Printf("  %d → %d\n", old, copied)
				}
				if result.PlaceholderID != 0 {
					fmt.Printf("  Placeholder: %d\n", result.PlaceholderID)
				}
			}
			return nil
		},
	}
	return cmd
}

func backfillThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill-thread ROOT_MESSAGE_ID",
		Short: "Stamp a thread id onto every reply below a root message",
		Long: `Stamp the root message's thread id onto every message that replies to it,
directly or transitively. Replies that already carry a thread id are left
alone, so the command is safe to repeat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rootID, err := parseID("message id", args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			root, err := store.GetMessage(cmd.Context(), a.db, rootID)
			if err != nil {
				return fmt.Errorf("load message %d: %w", rootID, err)
			}
			if root.ThreadID == nil {
				return fmt.Errorf("message %d is not in a thread", rootID)
			}
			n, err := message.NewThreadBackfill(a.db, a.cfg.Messages.MaxReplyDepth).Backfill(cmd.Context(), rootID, *root.ThreadID)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"thread_id": *root.ThreadID, "updated": n})
			}
			if !flagQuiet {
				fmt.Printf("✓ Thread %d: %s updated\n", *root.ThreadID, pluralMessages(int(n)))
			}
			return nil
		},
	}
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive channels into forum topics",
	}
	cmd.AddCommand(archiveRunCmd())
	cmd.AddCommand(archiveStatusCmd())
	cmd.AddCommand(archiveRetryCmd())
	return cmd
}

func archiveRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run CHANNEL_ID",
		Short: "Archive a channel and wait for it to finish",
		Long: `Make the channel read only, copy its messages into a forum topic in
batches, then close the channel for good. A failed archive can be rerun and
never archives a message twice.

Examples:
  chatcore archive run 4 --title "Launch planning (archived)" --as 1
  chatcore archive run 4 --topic 310 --as 1 --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			channelID, err := parseID("channel id", args[0])
			if err != nil {
				return err
			}
			title, _ := cmd.Flags().GetString("title")
			topic, _ := cmd.Flags().GetInt64("topic")
			category, _ := cmd.Flags().GetInt64("category")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			yes, _ := cmd.Flags().GetBool("yes")

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			channel, err := store.GetChannel(cmd.Context(), a.db, channelID)
			if err != nil {
				return fmt.Errorf("load channel %d: %w", channelID, err)
			}
			if !yes && isInteractive() {
				if !confirm(fmt.Sprintf("Archive #%s? It becomes read only immediately.", channel.Name)) {
					return fmt.Errorf("aborted")
				}
			}

			params := archive.RequestParams{ChannelID: channelID, ActorID: actor, TopicTitle: title, Tags: tags}
			if topic != 0 {
				params.TopicID = &topic
			}
			if category != 0 {
				params.CategoryID = &category
			}
			started := time.Now()
			record, f, err := a.archive.Archive(cmd.Context(), params)
			if err != nil {
				return err
			}
			if f != nil && record == nil {
				return failureError(f)
			}

			if flagJSON {
				if err := printJSON(record); err != nil {
					return err
				}
			} else if !flagQuiet {
				printArchive(record)
				fmt.Printf("  Took: %s\n", time.Since(started).Round(time.Millisecond))
			}
			if f != nil {
				return failureError(f)
			}
			return nil
		},
	}
	cmd.Flags().String("title", "", "Title of a new destination topic")
	cmd.Flags().Int64("topic", 0, "Existing destination topic id")
	cmd.Flags().Int64("category", 0, "Category of the new topic")
	cmd.Flags().StringSlice("tag", nil, "Tag for the new topic (repeatable)")
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func archiveStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status CHANNEL_ID",
		Short: "Show a channel's archive progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, err := parseID("channel id", args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			record, f, err := a.archive.Status(cmd.Context(), channelID)
			if err != nil {
				return err
			}
			if f != nil {
				return failureError(f)
			}
			if flagJSON {
				return printJSON(record)
			}
			printArchive(record)
			return nil
		},
	}
}

func archiveRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Rerun every failed archive",
		Long: `Rerun every failed archive once. The daemon does this on its retry
schedule; this command is for operators who do not want to wait.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			completed, err := a.archive.RetryFailed(cmd.Context())
			if flagJSON {
				if jerr := printJSON(map[string]any{"completed": completed}); jerr != nil {
					return jerr
				}
			} else if !flagQuiet {
				fmt.Printf("✓ %d archive(s) completed\n", completed)
			}
			return err
		},
	}
}

func printArchive(a *chat.ChannelArchive) {
	fmt.Printf("Archive of channel %d: %s\n", a.ChannelID, a.State)
	if a.DestinationTopicID != nil {
		fmt.Printf("  Topic:    %d\n", *a.DestinationTopicID)
	} else if a.DestinationTopicTitle != "" {
		fmt.Printf("  Topic:    %q (not created yet)\n", a.DestinationTopicTitle)
	}
	pct := 100.0
	if a.TotalMessages > 0 {
		pct = float64(a.ArchivedMessages) / float64(a.TotalMessages) * 100
	}
	fmt.Printf("  Progress: %s / %s messages (%.0f%%)\n",
		humanize.Comma(int64(a.ArchivedMessages)), humanize.Comma(int64(a.TotalMessages)), pct)
	fmt.Printf("  Updated:  %s\n", humanize.Time(a.UpdatedAt))
	if a.Error != "" {
		fmt.Printf("  Error:    %s\n", a.Error)
	}
}

func printReach(r chat.Reach) {
	if len(r.Unreachable) > 0 {
		fmt.Printf("  Cannot see the message: %v\n", r.Unreachable)
	}
	if len(r.WelcomeToJoin) > 0 {
		fmt.Printf("  Not in the channel: %v\n", r.WelcomeToJoin)
	}
	if len(r.TooManyMembers) > 0 {
		fmt.Printf("  Groups too large to notify: %s\n", strings.Join(r.TooManyMembers, ", "))
	}
}

func pluralMessages(n int) string {
	if n == 1 {
		return "1 message"
	}
	return humanize.Comma(int64(n)) + " messages"
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func parseID(what, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return id, nil
}

// failureError formats a service failure for the terminal.
func failureError(f *apperr.Failure) error {
	if len(f.Details) == 0 {
		return fmt.Errorf("%s (%s)", f.Message, f.Code)
	}
	return fmt.Errorf("%s (%s): %s", f.Message, f.Code, strings.Join(f.Details, "; "))
}
