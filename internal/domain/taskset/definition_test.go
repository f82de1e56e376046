package taskset

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustAny(t *testing.T, m map[string]any) *anypb.Any {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	a, err := anypb.New(s)
	require.NoError(t, err)
	return a
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		kind    ScheduleKind
		period  time.Duration
		wantErr bool
	}{
		{name: "millisecond period", spec: "30000", kind: SchedulePeriodic, period: 30 * time.Second},
		{name: "zero period", spec: "0", kind: SchedulePeriodic, period: 0},
		{name: "padded period", spec: " 250 ", kind: SchedulePeriodic, period: 250 * time.Millisecond},
		{name: "five field cron", spec: "*/5 * * * *", kind: ScheduleCron},
		{name: "six field cron with seconds", spec: "0 0/5 * * * ?", kind: ScheduleCron},
		{name: "descriptor", spec: "@every 10s", kind: ScheduleCron},
		{name: "garbage", spec: "not a cron", wantErr: true},
		{name: "empty", spec: "   ", wantErr: true},
		{name: "negative number is not a period", spec: "-5", wantErr: true},
		{name: "longest representable period", spec: "9223372036854", kind: SchedulePeriodic, period: 9223372036854 * time.Millisecond},
		{name: "period overflows duration", spec: "9300000000000", wantErr: true},
		{name: "period overflows int64", spec: "99999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidSchedule))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind)
			if tt.kind == SchedulePeriodic {
				assert.Equal(t, tt.period, s.Period)
			} else {
				assert.NotNil(t, s.Cron)
			}
		})
	}
}

func TestParseTaskKind(t *testing.T) {
	k, err := ParseTaskKind("monitor")
	require.NoError(t, err)
	assert.Equal(t, KindMonitor, k)
	assert.True(t, k.Periodic())

	k, err = ParseTaskKind("CONNECTOR")
	require.NoError(t, err)
	assert.True(t, k.Persistent())

	_, err = ParseTaskKind("poller")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestTaskDefinitionValidate(t *testing.T) {
	valid := TaskDefinition{
		ID:         "task-1",
		Kind:       KindMonitor,
		PluginName: "ECHO",
		Schedule:   "1000",
		Target:     TargetIdentity{NodeID: 7, IPAddress: "10.0.0.1"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(d *TaskDefinition)
		want   error
	}{
		{name: "missing id", mutate: func(d *TaskDefinition) { d.ID = "" }, want: ErrInvalidDefinition},
		{name: "missing plugin", mutate: func(d *TaskDefinition) { d.PluginName = "" }, want: ErrInvalidDefinition},
		{name: "bad kind", mutate: func(d *TaskDefinition) { d.Kind = "POLLER" }, want: ErrInvalidDefinition},
		{name: "monitor without schedule", mutate: func(d *TaskDefinition) { d.Schedule = "" }, want: ErrInvalidDefinition},
		{name: "bad ip", mutate: func(d *TaskDefinition) { d.Target.IPAddress = "300.1.1.1" }, want: ErrInvalidDefinition},
		{name: "malformed schedule", mutate: func(d *TaskDefinition) { d.Schedule = "every tuesday" }, want: ErrInvalidSchedule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), tt.want)
		})
	}

	t.Run("scanner needs no schedule", func(t *testing.T) {
		d := TaskDefinition{ID: "scan-1", Kind: KindScanner, PluginName: "PORTS"}
		assert.NoError(t, d.Validate())
	})
}

func TestTaskDefinitionEqual(t *testing.T) {
	base := TaskDefinition{
		ID:            "t",
		Kind:          KindCollector,
		PluginName:    "SNMP",
		Schedule:      "60000",
		Configuration: mustAny(t, map[string]any{"community": "public"}),
		Target:        TargetIdentity{NodeID: 1},
		MetricLabels:  map[string]string{"location": "dc1"},
	}

	same := base
	same.Configuration = mustAny(t, map[string]any{"community": "public"})
	same.MetricLabels = map[string]string{"location": "dc1"}
	assert.True(t, base.Equal(same))

	diffCfg := base
	diffCfg.Configuration = mustAny(t, map[string]any{"community": "private"})
	assert.False(t, base.Equal(diffCfg))

	diffSchedule := base
	diffSchedule.Schedule = "30000"
	assert.False(t, base.Equal(diffSchedule))

	diffLabels := base
	diffLabels.MetricLabels = map[string]string{"location": "dc2"}
	assert.False(t, base.Equal(diffLabels))
}

func TestPluginNotFoundErrorIs(t *testing.T) {
	var err error = &PluginNotFoundError{Kind: KindMonitor, Name: "ICMP"}
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.Contains(t, err.Error(), "ICMP")
}
