package healthcheck

import "github.com/x-xyz/bidengine/base/ctx"

const StatusOk = "ok"

// Report holds StatusOk or the error of every configured backend
type Report struct {
	Healthy  bool              `json:"healthy"`
	Backends map[string]string `json:"backends"`
}

type HealthCheckUsecase interface {
	Check(c ctx.Ctx) *Report
}

// HealthCheckRepo reaches every configured backend once
type HealthCheckRepo interface {
	Ping(c ctx.Ctx) map[string]error
}
