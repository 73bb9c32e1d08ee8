package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"peerdrop/crypto"
	"peerdrop/discovery"
	"peerdrop/models"
	"peerdrop/storage"
)

func (a *app) runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("n", storage.DefaultHistoryLimit, "number of transfers to show")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	transfers, err := a.store.ListTransfers(*limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, transfers)
	}
	renderTransfers(out, transfers, time.Now())
	return nil
}

func (a *app) runPeers(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	scan := fs.Bool("scan", false, "browse the LAN instead of listing known peers")
	scanTimeout := fs.Duration("scan-timeout", discovery.DefaultScanTimeout, "mDNS scan window")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var peers []models.Peer
	if *scan {
		cfg := a.discoveryConfig(0)
		cfg.ScanTimeout = *scanTimeout
		found, err := discovery.Browse(ctx, cfg)
		if err != nil {
			return err
		}
		peers = found
	} else {
		known, err := a.store.ListPeers()
		if err != nil {
			return err
		}
		peers = lo.Map(known, func(p storage.Peer, _ int) models.Peer { return p.Model() })
	}

	if *asJSON {
		return writeJSON(out, peers)
	}
	renderPeers(out, peers, time.Now())
	return nil
}

func renderTransfers(out io.Writer, transfers []models.Transfer, now time.Time) {
	table := newTable(out, []string{"When", "Direction", "Peer", "Name", "Size", "Status", "Error"})
	for _, t := range transfers {
		table.Append([]string{
			humanize.RelTime(time.UnixMilli(t.CreatedAt), now, "ago", "from now"),
			t.Direction,
			t.Peer,
			t.Name,
			humanize.Bytes(t.Size),
			t.Status,
			t.ErrorKind,
		})
	}
	table.Render()
}

func renderPeers(out io.Writer, peers []models.Peer, now time.Time) {
	table := newTable(out, []string{"Name", "Device ID", "Fingerprint", "Endpoint", "Last Seen"})
	for _, p := range peers {
		lastSeen := ""
		if p.LastSeenTimestamp > 0 {
			lastSeen = humanize.RelTime(time.UnixMilli(p.LastSeenTimestamp), now, "ago", "from now")
		}
		table.Append([]string{
			p.DeviceName,
			p.DeviceID,
			crypto.FormatFingerprint(p.KeyFingerprint),
			p.Endpoint(),
			lastSeen,
		})
	}
	table.Render()
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
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

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
