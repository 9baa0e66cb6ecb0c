package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/alienxp03/soulsync/internal/core"
)

func counterValue(reg *prometheus.Registry, name string, labels map[string]string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return -1
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestManager(t *testing.T) {
	Convey("Given a metrics manager on a private registry", t, func() {
		reg := prometheus.NewRegistry()
		m := NewManager(WithRegistry(reg), WithHistogramBuckets([]float64{1, 10}))

		Convey("Judge verdicts are counted by scenario", func() {
			m.ObserveVerdict(core.ScenarioIcebreak, false)
			m.ObserveVerdict(core.ScenarioIcebreak, true)
			m.ObserveVerdict(core.ScenarioGame, false)

			So(counterValue(reg, "soulsync_engine_rounds_judged_total", map[string]string{"scenario": "ICEBREAK"}), ShouldEqual, 2)
			So(counterValue(reg, "soulsync_engine_judge_fallbacks_total", map[string]string{"scenario": "ICEBREAK"}), ShouldEqual, 1)
			So(counterValue(reg, "soulsync_engine_rounds_judged_total", map[string]string{"scenario": "GAME"}), ShouldEqual, 1)
		})

		Convey("Outcomes and failures are counted", func() {
			m.RecordTournament(core.TournamentCompleted)
			m.RecordSimulation(core.SessionTerminated)
			m.RecordCandidateFailure(core.ScenarioEmpathy)
			m.RecordEventsPruned(7)

			So(counterValue(reg, "soulsync_engine_tournaments_total", map[string]string{"status": "COMPLETED"}), ShouldEqual, 1)
			So(counterValue(reg, "soulsync_engine_simulations_total", map[string]string{"status": "TERMINATED"}), ShouldEqual, 1)
			So(counterValue(reg, "soulsync_engine_candidate_failures_total", map[string]string{"scenario": "EMPATHY"}), ShouldEqual, 1)
			So(counterValue(reg, "soulsync_progress_events_pruned_total", nil), ShouldEqual, 7)
		})

		Convey("The handler exposes recorded series", func() {
			m.RecordPhaseDuration(core.ScenarioDeepValue, 3*time.Second)
			m.RecordEventPublished("phase_start")

			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
			body, _ := io.ReadAll(rec.Body)

			So(rec.Code, ShouldEqual, 200)
			So(strings.Contains(string(body), "soulsync_engine_phase_duration_seconds_bucket"), ShouldBeTrue)
			So(strings.Contains(string(body), `soulsync_progress_events_published_total{event="phase_start"} 1`), ShouldBeTrue)
		})
	})
}
