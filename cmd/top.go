package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"

	"github.com/relaygrid/session-fabric/internal/service"
)

func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live terminal dashboard for a running fabric node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   "http://127.0.0.1:8080",
				Usage:   "Base URL of the node's HTTP listener",
			},
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Value:   time.Second,
				Usage:   "Poll interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runTop(c.String("addr"), c.Duration("interval"))
		},
	}
}

// topView is the widget set; update() repaints it from one snapshot.
type topView struct {
	health   *widgets.Gauge
	conns    *widgets.Sparkline
	connsBox *widgets.SparklineGroup
	queues   *widgets.BarChart
	totals   *widgets.Table
	status   *widgets.Paragraph

	activeHist []float64
}

func runTop(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("top: init terminal: %w", err)
	}
	defer ui.Close()

	v := newTopView(addr)
	client := &http.Client{Timeout: 5 * time.Second}
	url := strings.TrimRight(addr, "/") + "/stats"

	refresh := func() {
		snap, err := fetchStats(client, url)
		if err != nil {
			v.status.Text = fmt.Sprintf("[%s](fg:red)", err)
		} else {
			v.update(snap)
		}
		v.render()
	}
	refresh()

	events := ui.PollEvents()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				v.layout()
				v.render()
			}
		case <-ticker.C:
			refresh()
		}
	}
}

func fetchStats(client *http.Client, url string) (*service.StatsSnapshot, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats endpoint answered %s", resp.Status)
	}
	var snap service.StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func newTopView(addr string) *topView {
	v := &topView{}

	v.health = widgets.NewGauge()
	v.health.Title = "Health"

	v.conns = widgets.NewSparkline()
	v.conns.LineColor = ui.ColorCyan
	v.connsBox = widgets.NewSparklineGroup(v.conns)
	v.connsBox.Title = "Active connections"

	v.queues = widgets.NewBarChart()
	v.queues.Title = "Queue depth"
	v.queues.Labels = []string{"prio", "norm", "retry", "flight"}
	v.queues.BarWidth = 7

	v.totals = widgets.NewTable()
	v.totals.Title = "Totals"
	v.totals.RowSeparator = false

	v.status = widgets.NewParagraph()
	v.status.Title = addr

	v.layout()
	return v
}

func (v *topView) layout() {
	w, h := ui.TerminalDimensions()
	half := w / 2
	v.health.SetRect(0, 0, half, 3)
	v.connsBox.SetRect(half, 0, w, 9)
	v.queues.SetRect(0, 3, half, 9)
	v.totals.SetRect(0, 9, w, h-3)
	v.status.SetRect(0, h-3, w, h)
}

func (v *topView) update(s *service.StatsSnapshot) {
	v.health.Percent = int(s.HealthScore * 100)
	v.health.Label = fmt.Sprintf("%d%% (%s)", v.health.Percent, s.Health)
	switch s.Health {
	case "excellent", "good":
		v.health.BarColor = ui.ColorGreen
	case "degraded":
		v.health.BarColor = ui.ColorYellow
	default:
		v.health.BarColor = ui.ColorRed
	}

	v.activeHist = append(v.activeHist, float64(s.Active))
	if len(v.activeHist) > 120 {
		v.activeHist = v.activeHist[len(v.activeHist)-120:]
	}
	v.conns.Data = v.activeHist
	v.connsBox.Title = fmt.Sprintf("Active connections: %d (peak %d)", s.Active, s.Totals.Peak)

	v.queues.Data = []float64{
		float64(s.Queues.Priority),
		float64(s.Queues.Normal),
		float64(s.Queues.FailedRetry),
		float64(s.Queues.InFlight),
	}

	v.totals.Rows = [][]string{
		{"users", fmt.Sprint(s.Users), "rooms", fmt.Sprint(s.Rooms)},
		{"sent", fmt.Sprint(s.Totals.Sent), "received", fmt.Sprint(s.Totals.Received)},
		{"send errors", fmt.Sprint(s.Totals.SendErrors), "lost", fmt.Sprint(s.Totals.MessagesLost)},
		{"rate limited", fmt.Sprint(s.Totals.RateLimited), "rejects", fmt.Sprint(s.Totals.ValidationRejects)},
		{"zombies", fmt.Sprint(s.Totals.Zombies), "resumed", fmt.Sprint(s.Totals.Resumed)},
		{"pings", fmt.Sprint(s.Heartbeat.Pings), "pongs", fmt.Sprint(s.Heartbeat.Pongs)},
		{"avg rtt", s.AvgRTT.String(), "uptime", s.Uptime.Truncate(time.Second).String()},
	}

	mode := "serving"
	if s.Draining {
		mode = "[draining](fg:yellow)"
	}
	v.status.Text = fmt.Sprintf("%s | %d resumes open | %d transfers pending | q to quit",
		mode, s.PendingResumes, s.PendingTransfers)
}

func (v *topView) render() {
	ui.Render(v.health, v.connsBox, v.queues, v.totals, v.status)
}
