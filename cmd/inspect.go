package cmd

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/eml2pdf/eml"
	"github.com/dhcgn/eml2pdf/header"
	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/walker"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.eml>",
	Short: "Print the decoded header, the MIME parts and the attachments of one message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := eml.Load(args[0])
		if err != nil {
			return err
		}
		return inspect(cmd.OutOrStdout(), msg)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func inspect(w io.Writer, msg model.Message) error {
	entity, err := message.Read(bytes.NewReader(msg.Raw))
	if err != nil && entity == nil {
		return fmt.Errorf("parse %s: %w", msg.ID, err)
	}

	h := header.Parse(entity.Header, nil, msg.ID)
	fmt.Fprintf(w, "From:    %s\n", html.UnescapeString(h.From))
	fmt.Fprintf(w, "To:      %s\n", html.UnescapeString(h.To))
	fmt.Fprintf(w, "Date:    %s\n", h.FormattedDate)
	fmt.Fprintf(w, "Subject: %s\n\n", html.UnescapeString(h.Subject))

	parts, err := walker.Collect(entity, nil)
	if err != nil {
		return fmt.Errorf("walk %s: %w", msg.ID, err)
	}

	rows := [][]string{{"#", "Type", "Disposition", "Charset", "Filename", "Content-ID", "Size", "Role"}}
	for i, p := range parts {
		role := walker.Classify(p).String()
		if walker.IsInlineImage(p) {
			role += "+inline"
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			p.ContentType,
			p.Disposition.String(),
			p.Charset,
			deref(p.Filename),
			deref(p.ContentID),
			humanize.Bytes(uint64(len(p.Payload))),
			role,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(rows).Render(); err != nil {
		return err
	}

	res := walker.Assemble(parts, nil)
	fmt.Fprintf(w, "\nBody: %s, inline images: %d\n", bodyKind(parts), res.Images)
	if len(res.Attachments) == 0 {
		fmt.Fprintln(w, "No attachments")
		return nil
	}

	rows = [][]string{{"Name", "Size", "MD5sum"}}
	for _, at := range res.Attachments {
		rows = append(rows, []string{html.UnescapeString(at.Name), humanize.Bytes(uint64(at.Size)), at.ContentHash})
	}
	fmt.Fprintln(w)
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(rows).Render()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
