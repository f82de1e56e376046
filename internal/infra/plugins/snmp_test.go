package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

type fakeSNMPClient struct {
	get    func(oids []string) (*gosnmp.SnmpPacket, error)
	walk   map[string][]gosnmp.SnmpPDU
	walked []string
	bulk   bool
}

func (c *fakeSNMPClient) Get(oids []string) (*gosnmp.SnmpPacket, error) { return c.get(oids) }

func (c *fakeSNMPClient) BulkWalkAll(root string) ([]gosnmp.SnmpPDU, error) {
	c.bulk = true
	return c.walkAll(root)
}

func (c *fakeSNMPClient) WalkAll(root string) ([]gosnmp.SnmpPDU, error) { return c.walkAll(root) }

func (c *fakeSNMPClient) walkAll(root string) ([]gosnmp.SnmpPDU, error) {
	c.walked = append(c.walked, root)
	pdus, ok := c.walk[root]
	if !ok {
		return nil, errors.New("no such subtree")
	}
	return pdus, nil
}

func dialFake(c *fakeSNMPClient) snmpDialFunc {
	return func(context.Context, string, snmpConfig) (snmpClient, func(), error) {
		return c, func() {}, nil
	}
}

func respond(pdus ...gosnmp.SnmpPDU) func([]string) (*gosnmp.SnmpPacket, error) {
	return func([]string) (*gosnmp.SnmpPacket, error) {
		return &gosnmp.SnmpPacket{Variables: pdus}, nil
	}
}

func strPtr(s string) *string { return &s }

func TestMeetsCriteria(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		operator *string
		operand  *string
		want     bool
	}{
		{name: "no operator", value: "anything", operand: strPtr("x"), want: true},
		{name: "no operand", value: "anything", operator: strPtr("="), want: true},
		{name: "equal ignores leading dot", value: ".1.3.6.1.4.1.8072", operator: strPtr("="), operand: strPtr("1.3.6.1.4.1.8072"), want: true},
		{name: "equal mismatch", value: "a", operator: strPtr("="), operand: strPtr("b"), want: false},
		{name: "not equal", value: "a", operator: strPtr("!="), operand: strPtr("b"), want: true},
		{name: "not equal with dots", value: ".1.3", operator: strPtr("!="), operand: strPtr(".1.3"), want: false},
		{name: "regex", value: ".1.3.6.1.4.1.9.1.516", operator: strPtr("~"), operand: strPtr(`^1\.3\.6\.1\.4\.1\.9\.`), want: true},
		{name: "regex operand keeps dot", value: ".1.3.6", operator: strPtr("~"), operand: strPtr(`^\.1`), want: false},
		{name: "invalid regex", value: "x", operator: strPtr("~"), operand: strPtr("("), want: false},
		{name: "less than", value: "5", operator: strPtr("<"), operand: strPtr("10"), want: true},
		{name: "less or equal", value: "10", operator: strPtr("<="), operand: strPtr("10"), want: true},
		{name: "greater than", value: "5", operator: strPtr(">"), operand: strPtr("10"), want: false},
		{name: "greater or equal big", value: "18446744073709551615", operator: strPtr(">="), operand: strPtr("18446744073709551614"), want: true},
		{name: "non numeric", value: "up", operator: strPtr(">"), operand: strPtr("1"), want: false},
		{name: "unknown operator", value: "1", operator: strPtr("<>"), operand: strPtr("1"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, meetsCriteria(tt.value, tt.operator, tt.operand))
		})
	}
}

func TestSNMPMonitor_Poll(t *testing.T) {
	tests := []struct {
		name        string
		cfg         map[string]any
		get         func([]string) (*gosnmp.SnmpPacket, error)
		wantStatus  plugin.ServiceStatus
		wantReason  string
		wantMetrics map[string]float64
	}{
		{
			name:       "any response is up",
			get:        respond(gosnmp.SnmpPDU{Name: defaultSNMPOID, Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.8072.3.2.10"}),
			wantStatus: plugin.StatusUp,
		},
		{
			name:        "numeric value adds observed metric",
			cfg:         map[string]any{"oid": ".1.3.6.1.2.1.1.3.0", "operator": ">", "operand": "100"},
			get:         respond(gosnmp.SnmpPDU{Type: gosnmp.TimeTicks, Value: uint32(4200)}),
			wantStatus:  plugin.StatusUp,
			wantMetrics: map[string]float64{"observedValue": 4200},
		},
		{
			name:        "criteria not met",
			cfg:         map[string]any{"operator": "<", "operand": "10"},
			get:         respond(gosnmp.SnmpPDU{Type: gosnmp.Gauge32, Value: uint(42)}),
			wantStatus:  plugin.StatusDown,
			wantMetrics: map[string]float64{"observedValue": 42},
		},
		{
			name:       "no such instance is down",
			get:        respond(gosnmp.SnmpPDU{Name: defaultSNMPOID, Type: gosnmp.NoSuchInstance}),
			wantStatus: plugin.StatusDown,
			wantReason: "SNMP poll failed, addr=192.0.2.10 oid=.1.3.6.1.2.1.1.2.0",
		},
		{
			name:       "empty response is down",
			get:        respond(),
			wantStatus: plugin.StatusDown,
			wantReason: "SNMP poll failed, addr=192.0.2.10 oid=.1.3.6.1.2.1.1.2.0",
		},
		{
			name: "timeout is unknown",
			get: func([]string) (*gosnmp.SnmpPacket, error) {
				return nil, errors.New("request timeout (after 1 retries)")
			},
			wantStatus: plugin.StatusUnknown,
			wantReason: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &SNMPMonitor{dial: dialFake(&fakeSNMPClient{get: tt.get})}
			req := plugin.MonitorRequest{IPAddress: "192.0.2.10"}
			if tt.cfg != nil {
				req.Configuration = structConfig(t, tt.cfg)
			}

			resp, err := m.Poll(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, SNMPName, resp.MonitorType)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, resp.Reason)
			}
			assert.Equal(t, tt.wantMetrics, resp.Metrics)
		})
	}
}

func TestSNMPMonitor_GetError(t *testing.T) {
	m := &SNMPMonitor{dial: dialFake(&fakeSNMPClient{get: func([]string) (*gosnmp.SnmpPacket, error) {
		return nil, errors.New("connection refused")
	}})}
	_, err := m.Poll(context.Background(), plugin.MonitorRequest{IPAddress: "192.0.2.10"})
	assert.Error(t, err)
}

func TestSNMPMonitor_RequestsConfiguredOID(t *testing.T) {
	var asked []string
	m := &SNMPMonitor{dial: dialFake(&fakeSNMPClient{get: func(oids []string) (*gosnmp.SnmpPacket, error) {
		asked = oids
		return &gosnmp.SnmpPacket{Variables: []gosnmp.SnmpPDU{{Type: gosnmp.OctetString, Value: []byte("ok")}}}, nil
	}})}

	resp, err := m.Poll(context.Background(), plugin.MonitorRequest{
		IPAddress:     "192.0.2.10",
		Configuration: structConfig(t, map[string]any{"oid": ".1.3.6.1.2.1.1.5.0", "operator": "=", "operand": "ok"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".1.3.6.1.2.1.1.5.0"}, asked)
	assert.Equal(t, plugin.StatusUp, resp.Status)
	assert.Nil(t, resp.Metrics)
}

func TestSNMPCollector_Collect(t *testing.T) {
	client := &fakeSNMPClient{walk: map[string][]gosnmp.SnmpPDU{
		".1.3.6.1.2.1.2.2.1.10": {
			{Name: ".1.3.6.1.2.1.2.2.1.10.1", Type: gosnmp.Counter32, Value: uint(1000)},
			{Name: ".1.3.6.1.2.1.2.2.1.10.2", Type: gosnmp.Counter32, Value: uint(2000)},
		},
		".1.3.6.1.2.1.1": {
			{Name: ".1.3.6.1.2.1.1.1.0", Type: gosnmp.OctetString, Value: []byte("Linux")},
			{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(99)},
		},
	}}
	c := &SNMPCollector{dial: dialFake(client)}

	set, err := c.Collect(context.Background(), plugin.CollectionRequest{IPAddress: "192.0.2.10"},
		structConfig(t, map[string]any{"oids": []any{".1.3.6.1.2.1.2.2.1.10", ".1.3.6.1.2.1.1", ".1.3.6.1.9"}}))
	require.NoError(t, err)

	assert.True(t, client.bulk, "v2c should use bulk walks")
	assert.Equal(t, plugin.StatusUp, set.Status)
	assert.Contains(t, set.Reason, ".1.3.6.1.9")
	require.Len(t, set.Samples, 3)
	assert.Equal(t, ".1.3.6.1.2.1.2.2.1.10.1", set.Samples[0].Name)
	assert.Equal(t, float64(1000), set.Samples[0].Value)
	assert.Equal(t, ".1.3.6.1.2.1.2.2.1.10", set.Samples[0].Labels["oid_root"])
	assert.Equal(t, float64(99), set.Samples[2].Value)
}

func TestSNMPCollector_AllWalksFail(t *testing.T) {
	client := &fakeSNMPClient{walk: map[string][]gosnmp.SnmpPDU{}}
	c := &SNMPCollector{dial: dialFake(client)}

	set, err := c.Collect(context.Background(), plugin.CollectionRequest{IPAddress: "192.0.2.10"},
		structConfig(t, map[string]any{"oids": []any{".1.3.6.1.2.1.1"}, "version": "1"}))
	require.NoError(t, err)
	assert.False(t, client.bulk, "v1 has no bulk requests")
	assert.Equal(t, plugin.StatusDown, set.Status)
	assert.Empty(t, set.Samples)
}

func TestSNMPCollector_RequiresOIDs(t *testing.T) {
	c := &SNMPCollector{dial: dialFake(&fakeSNMPClient{})}
	_, err := c.Collect(context.Background(), plugin.CollectionRequest{IPAddress: "192.0.2.10"}, nil)
	assert.Error(t, err)
}

func TestSNMPDetector_Detect(t *testing.T) {
	d := &SNMPDetector{dial: dialFake(&fakeSNMPClient{get: respond(
		gosnmp.SnmpPDU{Name: defaultSNMPOID, Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9.1.516"},
		gosnmp.SnmpPDU{Name: sysDescrOID, Type: gosnmp.OctetString, Value: []byte("Cisco IOS")},
	)})}

	resp, err := d.Detect(context.Background(), plugin.DetectRequest{IPAddress: "192.0.2.10"})
	require.NoError(t, err)
	assert.True(t, resp.Detected)
	assert.Equal(t, "Cisco IOS", resp.Attributes["sys_descr"])
	assert.Equal(t, ".1.3.6.1.4.1.9.1.516", resp.Attributes["value"])

	resp, err = d.Detect(context.Background(), plugin.DetectRequest{
		IPAddress:     "192.0.2.10",
		Configuration: structConfig(t, map[string]any{"operator": "~", "operand": `^1\.3\.6\.1\.4\.1\.2636\.`}),
	})
	require.NoError(t, err)
	assert.False(t, resp.Detected)
}

func TestSNMPDetector_NoAnswer(t *testing.T) {
	d := &SNMPDetector{dial: dialFake(&fakeSNMPClient{get: func([]string) (*gosnmp.SnmpPacket, error) {
		return nil, errors.New("request timeout (after 1 retries)")
	}})}

	resp, err := d.Detect(context.Background(), plugin.DetectRequest{IPAddress: "192.0.2.10"})
	require.NoError(t, err)
	assert.False(t, resp.Detected)
	assert.Contains(t, resp.Reason, "timeout")
}

func TestSNMPConfig_Version(t *testing.T) {
	for in, want := range map[string]gosnmp.SnmpVersion{"": gosnmp.Version2c, "v2c": gosnmp.Version2c, "1": gosnmp.Version1} {
		got, err := snmpConfig{Version: in}.version()
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := snmpConfig{Version: "3"}.version()
	assert.Error(t, err)
}
