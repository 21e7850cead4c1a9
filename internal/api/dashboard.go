package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// appSummary is one live consolidation as shown on the dashboard.
type appSummary struct {
	App              string                  `json:"app"`
	Stats            consolidator.Stats      `json:"stats"`
	RiskDistribution map[types.RiskLevel]int `json:"risk_distribution"`
	Domains          int                     `json:"domains"`
}

type dashboardStats struct {
	LiveApps         int                     `json:"live_apps"`
	TotalEntries     int                     `json:"total_entries"`
	Ingested         int64                   `json:"ingested"`
	Dropped          int64                   `json:"dropped"`
	Quarantined      int64                   `json:"quarantined"`
	RiskDistribution map[types.RiskLevel]int `json:"risk_distribution"`
	Apps             []appSummary            `json:"apps"`
	RecentSnapshots  []*types.Snapshot       `json:"recent_snapshots"`
}

// registerDashboard serves the HTML page at / and its data under the
// authenticated group.
func (s *Server) registerDashboard(router *gin.Engine, v1 *gin.RouterGroup) {
	router.GET("/", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.String(http.StatusOK, dashboardHTML)
	})
	v1.GET("/dashboard/stats", s.dashboardStats)
}

func (s *Server) dashboardStats(c *gin.Context) {
	stats := dashboardStats{
		RiskDistribution: make(map[types.RiskLevel]int, len(types.RiskLevels)),
		Apps:             []appSummary{},
		RecentSnapshots:  []*types.Snapshot{},
	}
	for _, r := range types.RiskLevels {
		stats.RiskDistribution[r] = 0
	}

	for _, app := range s.deps.Registry.Apps() {
		cons, err := s.deps.Registry.Lookup(app)
		if err != nil {
			// finalized between Apps and Lookup
			continue
		}
		preview := cons.Preview()
		summary := appSummary{
			App:              app,
			Stats:            cons.Stats(),
			RiskDistribution: preview.Metadata.RiskDistribution,
			Domains:          len(preview.Domains()),
		}
		stats.Apps = append(stats.Apps, summary)
		stats.TotalEntries += summary.Stats.Entries
		stats.Ingested += summary.Stats.Ingested
		stats.Dropped += summary.Stats.Dropped
		stats.Quarantined += summary.Stats.Quarantined
		for level, n := range summary.RiskDistribution {
			stats.RiskDistribution[level] += n
		}
	}
	sort.Slice(stats.Apps, func(i, j int) bool { return stats.Apps[i].App < stats.Apps[j].App })
	stats.LiveApps = len(stats.Apps)

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		snaps, err := s.deps.Store.ListSnapshots(ctx, core.SnapshotFilter{Limit: 10})
		if err != nil {
			s.log.Warnw("Dashboard could not list snapshots", "error", err)
		} else if snaps != nil {
			stats.RecentSnapshots = snaps
		}
	}

	c.JSON(http.StatusOK, stats)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>surfacemap</title>
    <style>
        :root {
            --bg-primary: #09090B;
            --bg-card: #131314;
            --border-color: rgba(212, 162, 127, 0.15);
            --text-primary: #FAFAF5;
            --text-muted: #6b7280;
            --accent-primary: #D4A27F;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg-primary);
            color: var(--text-primary);
            line-height: 1.6;
        }
        .container { max-width: 1200px; margin: 0 auto; padding: 20px; }
        h1 { color: var(--accent-primary); font-weight: 400; }
        h2 { margin: 30px 0 15px; font-weight: 400; }
        .stats-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(180px, 1fr));
            gap: 16px;
        }
        .stat-card {
            background: var(--bg-card);
            border: 1px solid var(--border-color);
            border-radius: 12px;
            padding: 16px;
        }
        .stat-value { font-size: 2rem; }
        .stat-label { color: var(--text-muted); }
        table { width: 100%; border-collapse: collapse; background: var(--bg-card); }
        th, td { padding: 8px 12px; text-align: left; border-bottom: 1px solid var(--border-color); }
        .HIGH { color: #f87171; }
        .MEDIUM { color: #fbbf24; }
        .LOW { color: #4ade80; }
        #error { color: #f87171; margin-top: 10px; }
    </style>
</head>
<body>
<div class="container">
    <h1>surfacemap</h1>
    <div id="error"></div>
    <div class="stats-grid" id="stats"></div>
    <h2>Live apps</h2>
    <table>
        <thead><tr><th>App</th><th>Entries</th><th>Domains</th><th>Ingested</th><th>Dropped</th><th>Quarantined</th><th>High</th></tr></thead>
        <tbody id="apps"></tbody>
    </table>
    <h2>Recent snapshots</h2>
    <table>
        <thead><tr><th>ID</th><th>App</th><th>Label</th><th>Entries</th><th>Created</th></tr></thead>
        <tbody id="snapshots"></tbody>
    </table>
</div>
<script>
function cell(text, cls) {
    const td = document.createElement('td');
    td.textContent = text;
    if (cls) td.className = cls;
    return td;
}
function row(cells) {
    const tr = document.createElement('tr');
    cells.forEach(c => tr.appendChild(c));
    return tr;
}
function card(value, label, cls) {
    const div = document.createElement('div');
    div.className = 'stat-card';
    const v = document.createElement('div');
    v.className = 'stat-value ' + (cls || '');
    v.textContent = value;
    const l = document.createElement('div');
    l.className = 'stat-label';
    l.textContent = label;
    div.appendChild(v);
    div.appendChild(l);
    return div;
}
async function refresh() {
    try {
        const resp = await fetch('/api/v1/dashboard/stats');
        if (!resp.ok) throw new Error('stats: HTTP ' + resp.status);
        const s = await resp.json();
        document.getElementById('error').textContent = '';

        const stats = document.getElementById('stats');
        stats.replaceChildren(
            card(s.live_apps, 'live apps'),
            card(s.total_entries, 'endpoints'),
            card(s.risk_distribution.HIGH, 'high risk', 'HIGH'),
            card(s.risk_distribution.MEDIUM, 'medium risk', 'MEDIUM'),
            card(s.quarantined, 'quarantined'),
        );

        document.getElementById('apps').replaceChildren(...s.apps.map(a => row([
            cell(a.app), cell(a.stats.entries), cell(a.domains), cell(a.stats.ingested),
            cell(a.stats.dropped), cell(a.stats.quarantined), cell(a.risk_distribution.HIGH || 0, 'HIGH'),
        ])));
        document.getElementById('snapshots').replaceChildren(...s.recent_snapshots.map(sn => row([
            cell(sn.id), cell(sn.app), cell(sn.label || ''), cell(sn.total_entries),
            cell(new Date(sn.created_at).toLocaleString()),
        ])));
    } catch (e) {
        document.getElementById('error').textContent = e.message;
    }
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
