package health

import (
	"context"
	"net"
	"time"

	"github.com/iidesho/bragi/sbragi"
)

var Version string
var BuildTime string
var Name string

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

func (s Status) severity() int {
	switch s {
	case StatusOK:
		return 0
	case StatusWarning:
		return 1
	default:
		return 2
	}
}

// Worst returns the more severe of the two statuses.
func Worst(a, b Status) Status {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

type ComponentReport struct {
	ID     string        `json:"id"`
	Label  string        `json:"label"`
	Status Status        `json:"status"`
	Value  string        `json:"value,omitempty"`
	Took   time.Duration `json:"took"`
}

// Component is a named probe a store exposes about its backing resources.
type Component interface {
	ID() string
	Label() string
	Report(ctx context.Context) (Status, string)
}

type component struct {
	id    string
	label string
	probe func(ctx context.Context) (Status, string)
}

func NewComponent(id, label string, probe func(ctx context.Context) (Status, string)) Component {
	return component{
		id:    id,
		label: label,
		probe: probe,
	}
}

func (c component) ID() string {
	return c.id
}

func (c component) Label() string {
	return c.label
}

func (c component) Report(ctx context.Context) (Status, string) {
	return c.probe(ctx)
}

type health struct {
	IP         net.IP
	Since      time.Time
	components func() []Component
}

func Init(components func() []Component) health {
	if components == nil {
		components = func() []Component { return nil }
	}
	return health{
		IP:         GetOutboundIP(),
		Since:      time.Now(),
		components: components,
	}
}

type Report struct {
	Status     Status            `json:"status"`
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	BuildTime  string            `json:"build_time"`
	IP         net.IP            `json:"ip"`
	Since      time.Time         `json:"running_since"`
	Now        time.Time         `json:"now"`
	Components []ComponentReport `json:"components"`
}

var ip net.IP

func GetOutboundIP() net.IP {
	if ip != nil {
		return ip
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.WithError(err).Error("unable to get outbound ip")
		return nil
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	ip = localAddr.IP

	return ip
}

// Probe runs every component and aggregates the worst status.
func Probe(ctx context.Context, components []Component) (Status, []ComponentReport) {
	status := StatusOK
	reports := make([]ComponentReport, 0, len(components))
	for _, c := range components {
		start := time.Now()
		s, v := c.Report(ctx)
		if s != StatusOK {
			log.Warning("degraded component", "id", c.ID(), "status", s, "value", v)
		}
		status = Worst(status, s)
		reports = append(reports, ComponentReport{
			ID:     c.ID(),
			Label:  c.Label(),
			Status: s,
			Value:  v,
			Took:   time.Since(start),
		})
	}
	return status, reports
}

func (h health) GetHealthReport(ctx context.Context) Report {
	status, reports := Probe(ctx, h.components())
	return Report{
		Status:     status,
		Name:       Name,
		Version:    Version,
		BuildTime:  BuildTime,
		IP:         h.IP,
		Since:      h.Since,
		Now:        time.Now(),
		Components: reports,
	}
}
