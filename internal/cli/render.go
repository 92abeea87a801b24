package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pushrelay/internal/model"
)

var (
	accent  = lipgloss.Color("#D97706")
	fg      = lipgloss.Color("#E8E6E3")
	dim     = lipgloss.Color("#6B7280")
	success = lipgloss.Color("#22C55E")
	danger  = lipgloss.Color("#EF4444")
	warning = lipgloss.Color("#F59E0B")
	info    = lipgloss.Color("#8B949E")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(fg)
	dimStyle    = lipgloss.NewStyle().Foreground(dim)
	warnStyle   = lipgloss.NewStyle().Foreground(warning)
	tokenStyle  = lipgloss.NewStyle().Bold(true).Foreground(accent)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)

	priorityColors = map[int]lipgloss.Color{
		1: dim,
		2: info,
		3: fg,
		4: warning,
		5: danger,
	}
	statusColors = map[model.Status]lipgloss.Color{
		model.StatusPending:   info,
		model.StatusDelivered: success,
		model.StatusFailed:    danger,
		model.StatusSkipped:   dim,
	}
)

func priorityBadge(p int) string {
	c, ok := priorityColors[p]
	if !ok {
		c = fg
	}
	return lipgloss.NewStyle().Bold(p >= 4).Foreground(c).Render(fmt.Sprintf("P%d", p))
}

func statusBadge(s model.Status) string {
	c, ok := statusColors[s]
	if !ok {
		c = fg
	}
	return lipgloss.NewStyle().Foreground(c).Render(string(s))
}

// renderNotification is the tail view: one header line, then the body.
func renderNotification(n model.Notification) string {
	var b strings.Builder
	head := []string{
		dimStyle.Render(n.CreatedAt.Local().Format(time.TimeOnly)),
		priorityBadge(n.Priority),
	}
	if n.ChannelName != "" {
		head = append(head, headerStyle.Render("#"+n.ChannelName))
	}
	if t := strings.TrimSpace(n.Title); t != "" {
		head = append(head, titleStyle.Render(t))
	}
	b.WriteString(strings.Join(head, " "))
	b.WriteByte('\n')
	if body := strings.TrimSpace(n.Body); body != "" {
		b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(body))
		b.WriteByte('\n')
	}
	if len(n.Tags) > 0 {
		b.WriteString(dimStyle.Render("  tags: " + strings.Join(n.Tags, ", ")))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderSent(r SendResult) string {
	verb := "created"
	if r.Replay {
		verb = "replayed"
	}
	line := fmt.Sprintf("%s %s %s", titleStyle.Render(verb), r.ID, statusBadge(r.Status))
	if r.DeliveryError != nil && *r.DeliveryError != "" {
		line += " " + dimStyle.Render(*r.DeliveryError)
	}
	return line + "\n"
}

func renderKey(k model.APIKey, token string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)\n", titleStyle.Render("key"), k.Name, strings.Join(k.Permissions, ","))
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("token"), tokenStyle.Render(token))
	b.WriteString(warnStyle.Render("store the token now; it is not shown again"))
	b.WriteByte('\n')
	return b.String()
}

func renderChannels(chs []model.Channel) string {
	if len(chs) == 0 {
		return dimStyle.Render("no channels") + "\n"
	}
	nameW := len("NAME")
	for _, c := range chs {
		nameW = max(nameW, len(c.Name))
	}
	cell := lipgloss.NewStyle().Width(nameW + 2)
	var b strings.Builder
	b.WriteString(headerStyle.Render(cell.Render("NAME") + "TOPIC"))
	b.WriteByte('\n')
	for _, c := range chs {
		topic := c.Topic
		if topic == "" {
			topic = dimStyle.Render("(default)")
		}
		b.WriteString(cell.Render(c.Name) + topic)
		b.WriteByte('\n')
	}
	return b.String()
}
