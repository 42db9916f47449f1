package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo: gauge со значением 1 и метками версии, коммита и сети.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "pishop API build information.",
		},
		[]string{"version", "commit", "network"},
	)
)

// InitBuildInfo регистрирует метрику build_info (однократно) и устанавливает значение.
// network is "sandbox" or "mainnet" depending on the configured payment platform.
func InitBuildInfo(version, commit, network string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, network).Set(1)
}
