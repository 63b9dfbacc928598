package lcp

import (
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler fires a periodic local checkpoint on a cron schedule, the way
// a production deployment of this package would drive routine LCPs rather
// than relying on an operator to call StartCheckpoint by hand.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler starts a cron-driven scheduler that invokes trigger on
// every schedule firing. spec accepts standard five-field cron syntax
// (e.g. "*/5 * * * *" for every five minutes).
func NewScheduler(spec string, trigger func()) (*Scheduler, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("lcp: scheduled checkpoint panicked: %v", r)
			}
		}()
		trigger()
	}); err != nil {
		return nil, err
	}
	c.Start()
	return &Scheduler{cron: c}, nil
}

// Stop cancels future firings and waits for any in-flight trigger to
// return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
