package plugins

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// SNMPName is the registry name of the SNMP monitor, collector and detector.
const SNMPName = "SNMP"

const (
	// defaultSNMPOID is sysObjectID.0.
	defaultSNMPOID     = ".1.3.6.1.2.1.1.2.0"
	sysDescrOID        = ".1.3.6.1.2.1.1.1.0"
	defaultSNMPTimeout = 3 * time.Second
	defaultSNMPRetries = 1
)

type snmpConfig struct {
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Community string   `json:"community"`
	Version   string   `json:"version"`
	Timeout   Duration `json:"timeout"`
	Retries   *int     `json:"retries"`

	// Monitor and detector.
	OID      string  `json:"oid"`
	Operator *string `json:"operator"`
	Operand  *string `json:"operand"`

	// Collector.
	OIDs []string `json:"oids"`
}

func (c snmpConfig) version() (gosnmp.SnmpVersion, error) {
	switch strings.TrimPrefix(strings.ToLower(c.Version), "v") {
	case "", "2c", "2":
		return gosnmp.Version2c, nil
	case "1":
		return gosnmp.Version1, nil
	default:
		return 0, fmt.Errorf("unsupported snmp version %q", c.Version)
	}
}

// snmpClient is the subset of *gosnmp.GoSNMP the plugins use.
type snmpClient interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalkAll(rootOid string) ([]gosnmp.SnmpPDU, error)
	WalkAll(rootOid string) ([]gosnmp.SnmpPDU, error)
}

// snmpDialFunc opens a session to host. The returned func releases it.
type snmpDialFunc func(ctx context.Context, host string, cfg snmpConfig) (snmpClient, func(), error)

func dialSNMP(ctx context.Context, host string, cfg snmpConfig) (snmpClient, func(), error) {
	version, err := cfg.version()
	if err != nil {
		return nil, nil, err
	}

	client := &gosnmp.GoSNMP{
		Target:             host,
		Port:               161,
		Community:          cfg.Community,
		Version:            version,
		Timeout:            cfg.Timeout.orDefault(defaultSNMPTimeout),
		Retries:            defaultSNMPRetries,
		ExponentialTimeout: true,
		Context:            ctx,
	}
	if cfg.Port > 0 {
		client.Port = uint16(cfg.Port)
	}
	if client.Community == "" {
		client.Community = "public"
	}
	if cfg.Retries != nil {
		client.Retries = *cfg.Retries
	}

	if err := client.Connect(); err != nil {
		return nil, nil, fmt.Errorf("snmp connect %s: %w", host, err)
	}
	return client, func() { _ = client.Conn.Close() }, nil
}

// SNMPMonitor polls a single OID and compares the result against an optional
// criterion.
type SNMPMonitor struct {
	dial snmpDialFunc
}

// NewSNMPMonitor creates a monitor backed by gosnmp.
func NewSNMPMonitor() *SNMPMonitor { return &SNMPMonitor{dial: dialSNMP} }

// Poll implements plugin.Monitor. Without an operator or operand any
// response is UP. A missing value is DOWN and a timeout is UNKNOWN.
func (m *SNMPMonitor) Poll(ctx context.Context, req plugin.MonitorRequest) (plugin.MonitorResponse, error) {
	var cfg snmpConfig
	if err := decodeConfig(req.Configuration, &cfg); err != nil {
		return plugin.MonitorResponse{}, err
	}
	host := targetHost(cfg.Host, req.IPAddress)
	if host == "" {
		return plugin.MonitorResponse{}, errors.New("snmp monitor: no host")
	}
	oid := cfg.OID
	if oid == "" {
		oid = defaultSNMPOID
	}

	client, release, err := m.dial(ctx, host, cfg)
	if err != nil {
		return plugin.MonitorResponse{}, err
	}
	defer release()

	start := time.Now()
	pkt, err := client.Get([]string{oid})
	rt := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return plugin.MonitorResponse{}, ctx.Err()
		}
		if isTimeout(err) {
			return plugin.MonitorResponse{Status: plugin.StatusUnknown, Reason: "timeout", MonitorType: SNMPName}, nil
		}
		return plugin.MonitorResponse{}, fmt.Errorf("snmp get %s: %w", oid, err)
	}

	var pdu *gosnmp.SnmpPDU
	if pkt != nil && len(pkt.Variables) > 0 {
		pdu = &pkt.Variables[0]
	}
	if pdu == nil || isNullPDU(*pdu) {
		return plugin.MonitorResponse{
			Status:      plugin.StatusDown,
			Reason:      fmt.Sprintf("SNMP poll failed, addr=%s oid=%s", host, oid),
			MonitorType: SNMPName,
		}, nil
	}

	resp := plugin.MonitorResponse{ResponseTime: rt, MonitorType: SNMPName}
	if n, ok := numericValue(*pdu); ok {
		resp.Metrics = map[string]float64{"observedValue": n}
	}

	value := pduString(*pdu)
	if meetsCriteria(value, cfg.Operator, cfg.Operand) {
		resp.Status = plugin.StatusUp
		return resp, nil
	}
	resp.Status = plugin.StatusDown
	resp.Reason = fmt.Sprintf("SNMP criteria not met, addr=%s oid=%s value=%s %s %s",
		host, oid, value, deref(cfg.Operator), deref(cfg.Operand))
	return resp, nil
}

// meetsCriteria evaluates value against operator and operand. String
// comparisons ignore a leading dot on both sides; the regex operand is used
// as given.
func meetsCriteria(value string, operator, operand *string) bool {
	if operator == nil || operand == nil {
		return true
	}

	value = strings.TrimPrefix(value, ".")
	switch op := *operator; op {
	case "~":
		re, err := regexp.Compile(*operand)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case "=":
		return value == strings.TrimPrefix(*operand, ".")
	case "!=":
		return value != strings.TrimPrefix(*operand, ".")
	case "<", "<=", ">", ">=":
		lhs, ok := new(big.Float).SetString(value)
		if !ok {
			return false
		}
		rhs, ok := new(big.Float).SetString(*operand)
		if !ok {
			return false
		}
		c := lhs.Cmp(rhs)
		switch op {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		default:
			return c >= 0
		}
	default:
		return false
	}
}

// SNMPCollector walks the configured OID subtrees and reports every numeric
// variable as a sample.
type SNMPCollector struct {
	dial snmpDialFunc
}

// NewSNMPCollector creates a collector backed by gosnmp.
func NewSNMPCollector() *SNMPCollector { return &SNMPCollector{dial: dialSNMP} }

// Collect implements plugin.Collector.
func (c *SNMPCollector) Collect(ctx context.Context, req plugin.CollectionRequest, raw *anypb.Any) (plugin.CollectionSet, error) {
	var cfg snmpConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return plugin.CollectionSet{}, err
	}
	host := targetHost(cfg.Host, req.IPAddress)
	if host == "" {
		return plugin.CollectionSet{}, errors.New("snmp collector: no host")
	}
	if len(cfg.OIDs) == 0 {
		return plugin.CollectionSet{}, errors.New("snmp collector: at least one oid is required")
	}
	version, err := cfg.version()
	if err != nil {
		return plugin.CollectionSet{}, err
	}

	client, release, err := c.dial(ctx, host, cfg)
	if err != nil {
		return plugin.CollectionSet{}, err
	}
	defer release()

	var (
		set      = plugin.CollectionSet{Status: plugin.StatusUp}
		failures []string
	)
	for _, root := range cfg.OIDs {
		if err := ctx.Err(); err != nil {
			return plugin.CollectionSet{}, err
		}

		var pdus []gosnmp.SnmpPDU
		if version == gosnmp.Version1 {
			pdus, err = client.WalkAll(root)
		} else {
			pdus, err = client.BulkWalkAll(root)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", root, err))
			continue
		}

		for _, pdu := range pdus {
			n, ok := numericValue(pdu)
			if !ok {
				continue
			}
			set.Samples = append(set.Samples, plugin.Sample{
				Name:   pdu.Name,
				Value:  n,
				Labels: map[string]string{"oid_root": root, "type": pdu.Type.String()},
			})
		}
	}

	if len(failures) == len(cfg.OIDs) {
		set.Status = plugin.StatusDown
	}
	set.Reason = strings.Join(failures, "; ")
	return set, nil
}

// SNMPDetector reports a node as running SNMP when it answers a get for the
// configured OID, sysObjectID by default.
type SNMPDetector struct {
	dial snmpDialFunc
}

// NewSNMPDetector creates a detector backed by gosnmp.
func NewSNMPDetector() *SNMPDetector { return &SNMPDetector{dial: dialSNMP} }

// Detect implements plugin.Detector.
func (d *SNMPDetector) Detect(ctx context.Context, req plugin.DetectRequest) (plugin.DetectResponse, error) {
	var cfg snmpConfig
	if err := decodeConfig(req.Configuration, &cfg); err != nil {
		return plugin.DetectResponse{}, err
	}
	host := targetHost(cfg.Host, req.IPAddress)
	if host == "" {
		return plugin.DetectResponse{}, errors.New("snmp detector: no host")
	}
	oid := cfg.OID
	if oid == "" {
		oid = defaultSNMPOID
	}

	client, release, err := d.dial(ctx, host, cfg)
	if err != nil {
		return plugin.DetectResponse{}, err
	}
	defer release()

	pkt, err := client.Get([]string{oid, sysDescrOID})
	if err != nil {
		if ctx.Err() != nil {
			return plugin.DetectResponse{}, ctx.Err()
		}
		return plugin.DetectResponse{MonitorType: SNMPName, Reason: err.Error()}, nil
	}
	if pkt == nil || len(pkt.Variables) == 0 || isNullPDU(pkt.Variables[0]) {
		return plugin.DetectResponse{MonitorType: SNMPName, Reason: "no value for " + oid}, nil
	}

	value := pduString(pkt.Variables[0])
	if !meetsCriteria(value, cfg.Operator, cfg.Operand) {
		return plugin.DetectResponse{MonitorType: SNMPName, Reason: "value did not match: " + value}, nil
	}

	attrs := map[string]string{"oid": oid, "value": value}
	if len(pkt.Variables) > 1 && !isNullPDU(pkt.Variables[1]) {
		attrs["sys_descr"] = pduString(pkt.Variables[1])
	}
	return plugin.DetectResponse{Detected: true, MonitorType: SNMPName, Attributes: attrs}, nil
}

func isNullPDU(pdu gosnmp.SnmpPDU) bool {
	switch pdu.Type {
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return true
	}
	return pdu.Value == nil
}

func numericValue(pdu gosnmp.SnmpPDU) (float64, bool) {
	switch pdu.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Counter64, gosnmp.Uinteger32:
		f, _ := new(big.Float).SetInt(gosnmp.ToBigInt(pdu.Value)).Float64()
		return f, true
	case gosnmp.OpaqueFloat:
		v, ok := pdu.Value.(float32)
		return float64(v), ok
	case gosnmp.OpaqueDouble:
		v, ok := pdu.Value.(float64)
		return v, ok
	}
	return 0, false
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	}
	if n, ok := numericValue(pdu); ok {
		if pdu.Type == gosnmp.OpaqueFloat || pdu.Type == gosnmp.OpaqueDouble {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		return gosnmp.ToBigInt(pdu.Value).String()
	}
	return fmt.Sprint(pdu.Value)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
