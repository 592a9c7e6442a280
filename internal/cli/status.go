// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/baissd/internal/server"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervised servers, sidecar health and degraded components",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			st, err := a.client().Status(ctx)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return outputJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

// printStatus renders a status snapshot for the terminal.
func printStatus(w io.Writer, st *server.StatusResponse) {
	fmt.Fprintln(w, TitleStyle.Render("baissd "+st.Version))
	fmt.Fprintln(w)

	sidecarState := "unhealthy"
	if st.Health.Healthy {
		sidecarState = "healthy"
	}
	managed := "external"
	if st.SidecarManaged {
		managed = "managed"
	}
	fmt.Fprintln(w, RenderLabel("Uptime")+ValueStyle.Render(st.Uptime))
	fmt.Fprintln(w, RenderLabel("Sidecar")+ValueStyle.Render(st.Sidecar)+" "+RenderStatus(sidecarState)+" "+DimStyle.Render(managed))
	fmt.Fprintln(w, RenderLabel("Restarts")+ValueStyle.Render(strconv.Itoa(st.Health.Restarts)))
	if st.Health.Failures > 0 {
		fmt.Fprintln(w, RenderLabel("Failures")+WarningStyle.Render(strconv.Itoa(st.Health.Failures)))
	}
	if st.Database != "" {
		fmt.Fprintln(w, RenderLabel("Database")+ValueStyle.Render(st.Database))
	}

	fmt.Fprintln(w, SectionStyle.Render("Servers"))
	if len(st.Servers) == 0 {
		fmt.Fprintln(w, DimStyle.Render("  none running"))
	} else {
		rows := make([][]string, 0, len(st.Servers))
		for _, h := range st.Servers {
			uptime := "-"
			if !h.StartedAt.IsZero() {
				uptime = time.Since(h.StartedAt).Round(time.Second).String()
			}
			rows = append(rows, []string{
				string(h.Role),
				strconv.Itoa(h.PID),
				h.URL(),
				h.State.String(),
				uptime,
			})
		}
		fmt.Fprint(w, renderTable([]string{"ROLE", "PID", "ADDRESS", "STATE", "UPTIME"}, rows, 40))
	}

	if len(st.Degraded) > 0 {
		fmt.Fprintln(w, SectionStyle.Render("Degraded"))
		names := make([]string, 0, len(st.Degraded))
		for name := range st.Degraded {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(w, "  "+RenderStatus("degraded")+" "+name+": "+DimStyle.Render(st.Degraded[name]))
			for _, line := range st.Output[name] {
				fmt.Fprintln(w, "      "+DimStyle.Render(line))
			}
		}
	}
}
