package usecase

import (
	"github.com/x-xyz/bidengine/base/ctx"
	hcdomain "github.com/x-xyz/bidengine/domain/healthcheck"
)

type impl struct {
	repo hcdomain.HealthCheckRepo
}

func New(repo hcdomain.HealthCheckRepo) hcdomain.HealthCheckUsecase {
	return &impl{
		repo: repo,
	}
}

// Check is healthy only when every configured backend answered
func (im *impl) Check(c ctx.Ctx) *hcdomain.Report {
	report := &hcdomain.Report{Healthy: true, Backends: map[string]string{}}
	for name, err := range im.repo.Ping(c) {
		if err != nil {
			report.Healthy = false
			report.Backends[name] = err.Error()
			continue
		}
		report.Backends[name] = hcdomain.StatusOk
	}
	return report
}
