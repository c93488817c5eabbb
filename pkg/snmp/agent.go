package snmp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/psaab/ustack/pkg/config"
)

const (
	snmpVersion2c = 1 // version field: 0 = v1, 1 = v2c

	errNoError = 0

	maxPacketSize = 4096
)

// OID constants for the system MIB group (1.3.6.1.2.1.1).
var (
	oidSysDescr    = []int{1, 3, 6, 1, 2, 1, 1, 1, 0}
	oidSysObjectID = []int{1, 3, 6, 1, 2, 1, 1, 2, 0}
	oidSysUpTime   = []int{1, 3, 6, 1, 2, 1, 1, 3, 0}
	oidSysContact  = []int{1, 3, 6, 1, 2, 1, 1, 4, 0}
	oidSysName     = []int{1, 3, 6, 1, 2, 1, 1, 5, 0}
	oidSysLocation = []int{1, 3, 6, 1, 2, 1, 1, 6, 0}

	// ifNumber: 1.3.6.1.2.1.2.1.0
	oidIfNumber = []int{1, 3, 6, 1, 2, 1, 2, 1, 0}

	// ifTable column OIDs: 1.3.6.1.2.1.2.2.1.<col>.<ifIndex>
	// Columns: 1=ifIndex, 2=ifDescr, 3=ifType, 4=ifMtu, 5=ifSpeed,
	//          6=ifPhysAddress, 7=ifAdminStatus, 8=ifOperStatus
	oidIfTablePrefix = []int{1, 3, 6, 1, 2, 1, 2, 2, 1}

	// ipNetToMediaTable column OIDs:
	// 1.3.6.1.2.1.4.22.1.<col>.<ifIndex>.<a>.<b>.<c>.<d>
	// Columns: 1=ifIndex, 2=physAddress, 3=netAddress, 4=type
	oidNetToMediaPrefix = []int{1, 3, 6, 1, 2, 1, 4, 22, 1}

	// Ordered list of static OIDs we serve, for GETNEXT walking.
	staticOIDs = [][]int{
		oidSysDescr,
		oidSysObjectID,
		oidSysUpTime,
		oidSysContact,
		oidSysName,
		oidSysLocation,
		oidIfNumber,
	}

	// ifTable columns we serve (sorted for GETNEXT).
	ifTableColumns = []int{1, 2, 3, 4, 5, 6, 7, 8}

	// ipNetToMediaTable columns (sorted for GETNEXT).
	netToMediaColumns = []int{1, 2, 3, 4}
)

// ipNetToMedia mapping types per RFC 1213.
const (
	MediaTypeDynamic = 3
	MediaTypeStatic  = 4
)

// IfData represents a single network interface for the SNMP ifTable.
type IfData struct {
	IfIndex     int
	IfDescr     string
	IfType      int // 6=ethernetCsmacd, 1=other
	IfMtu       int
	IfSpeed     uint32 // bits per second
	PhysAddress []byte
	AdminStatus int // 1=up, 2=down
	OperStatus  int // 1=up, 2=down
}

// MediaEntry is one row of the ipNetToMediaTable: a resolved IPv4 to
// link-layer address mapping taken from a neighbor cache.
type MediaEntry struct {
	IfIndex     int
	NetAddress  netip.Addr
	PhysAddress []byte
	Type        int // MediaTypeDynamic or MediaTypeStatic
}

// Agent is an SNMP v2c agent that serves the system MIB, the ifTable and
// the ipNetToMediaTable.
type Agent struct {
	cfg       *config.SNMPConfig
	conn      *net.UDPConn
	startTime time.Time
	ifDataFn  func() []IfData
	mediaFn   func() []MediaEntry
	mu        sync.Mutex
	stopped   bool
}

// NewAgent creates a new SNMP agent with the given configuration.
func NewAgent(cfg *config.SNMPConfig) *Agent {
	return &Agent{
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// SetIfDataFn sets the callback for retrieving interface data.
func (a *Agent) SetIfDataFn(fn func() []IfData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ifDataFn = fn
}

// SetMediaFn sets the callback for retrieving neighbor cache rows.
func (a *Agent) SetMediaFn(fn func() []MediaEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mediaFn = fn
}

// getIfData returns interface data from the callback, or nil.
func (a *Agent) getIfData() []IfData {
	a.mu.Lock()
	fn := a.ifDataFn
	a.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// getMediaData returns neighbor rows sorted by table index order
// (ifIndex, then IPv4 address).
func (a *Agent) getMediaData() []MediaEntry {
	a.mu.Lock()
	fn := a.mediaFn
	a.mu.Unlock()
	if fn == nil {
		return nil
	}
	rows := fn()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].IfIndex != rows[j].IfIndex {
			return rows[i].IfIndex < rows[j].IfIndex
		}
		return rows[i].NetAddress.Less(rows[j].NetAddress)
	})
	return rows
}

// Start begins listening for SNMP requests.
// It blocks until the context is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	listen := ":161"
	if a.cfg != nil && a.cfg.Listen != "" {
		listen = a.cfg.Listen
	}
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return fmt.Errorf("snmp: resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("snmp: listen: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	slog.Info("SNMP agent listening", "addr", listen)

	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	buf := make([]byte, maxPacketSize)
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			a.mu.Lock()
			stopped := a.stopped
			a.mu.Unlock()
			if stopped {
				return nil
			}
			slog.Error("SNMP read error", "err", err)
			continue
		}

		resp := a.handlePacket(buf[:n])
		if resp != nil {
			if _, err := conn.WriteToUDP(resp, remoteAddr); err != nil {
				slog.Error("SNMP write error", "err", err, "remote", remoteAddr)
			}
		}
	}
}

// Stop shuts down the SNMP agent.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	slog.Info("SNMP agent stopped")
}

// handlePacket decodes an SNMP v2c request and produces a response.
func (a *Agent) handlePacket(data []byte) []byte {
	// Decode the outer SEQUENCE.
	tag, msgBody, err := berDecodeHeader(data)
	if err != nil || tag != tagSequence {
		slog.Debug("SNMP: invalid packet, not a SEQUENCE")
		return nil
	}

	version, rest, err := berDecodeInteger(msgBody)
	if err != nil {
		slog.Debug("SNMP: failed to decode version")
		return nil
	}
	if version != snmpVersion2c {
		slog.Debug("SNMP: unsupported version", "version", version)
		return nil
	}

	community, rest, err := berDecodeOctetString(rest)
	if err != nil {
		slog.Debug("SNMP: failed to decode community")
		return nil
	}
	if !a.isValidCommunity(string(community)) {
		slog.Debug("SNMP: invalid community", "community", string(community))
		return nil
	}

	pduTag, pduBody, err := berDecodeHeader(rest)
	if err != nil {
		slog.Debug("SNMP: failed to decode PDU header")
		return nil
	}

	switch pduTag {
	case pduGetRequest:
		return a.handleGet(community, pduBody)
	case pduGetNextRequest:
		return a.handleGetNext(community, pduBody)
	case pduGetBulkRequest:
		return a.handleGetBulk(community, pduBody)
	default:
		slog.Debug("SNMP: unsupported PDU type", "type", pduTag)
		return nil
	}
}

// handleGet processes a GET request.
func (a *Agent) handleGet(community []byte, pduBody []byte) []byte {
	requestID, _, _, oids, err := decodePDUFields(pduBody)
	if err != nil {
		slog.Debug("SNMP: failed to decode GET PDU", "err", err)
		return nil
	}

	var varbinds []varbind
	for _, oid := range oids {
		val, valTag := a.getOIDValue(oid)
		if val == nil {
			varbinds = append(varbinds, varbind{oid: oid, tag: tagNoSuchInstance, value: nil})
		} else {
			varbinds = append(varbinds, varbind{oid: oid, tag: valTag, value: val})
		}
	}

	return a.buildResponse(community, requestID, errNoError, 0, varbinds)
}

// handleGetNext processes a GETNEXT request.
func (a *Agent) handleGetNext(community []byte, pduBody []byte) []byte {
	requestID, _, _, oids, err := decodePDUFields(pduBody)
	if err != nil {
		slog.Debug("SNMP: failed to decode GETNEXT PDU", "err", err)
		return nil
	}

	var varbinds []varbind
	for _, oid := range oids {
		nextOID := a.findNextOID(oid)
		if nextOID == nil {
			varbinds = append(varbinds, varbind{oid: oid, tag: tagEndOfMibView, value: nil})
		} else {
			val, valTag := a.getOIDValue(nextOID)
			varbinds = append(varbinds, varbind{oid: nextOID, tag: valTag, value: val})
		}
	}

	return a.buildResponse(community, requestID, errNoError, 0, varbinds)
}

// handleGetBulk processes a GETBULK request (RFC 3416).
func (a *Agent) handleGetBulk(community []byte, pduBody []byte) []byte {
	requestID, nonRepeaters, maxRepetitions, oids, err := decodePDUFields(pduBody)
	if err != nil {
		slog.Debug("SNMP: failed to decode GETBULK PDU", "err", err)
		return nil
	}

	if nonRepeaters < 0 {
		nonRepeaters = 0
	}
	if maxRepetitions < 0 {
		maxRepetitions = 0
	}
	if maxRepetitions > 100 {
		maxRepetitions = 100 // safety cap
	}

	var varbinds []varbind

	// Non-repeaters behave like GETNEXT for the first N OIDs.
	for i := 0; i < nonRepeaters && i < len(oids); i++ {
		nextOID := a.findNextOID(oids[i])
		if nextOID == nil {
			varbinds = append(varbinds, varbind{oid: oids[i], tag: tagEndOfMibView, value: nil})
		} else {
			val, valTag := a.getOIDValue(nextOID)
			varbinds = append(varbinds, varbind{oid: nextOID, tag: valTag, value: val})
		}
	}

	for i := nonRepeaters; i < len(oids); i++ {
		currentOID := oids[i]
		for j := 0; j < maxRepetitions; j++ {
			nextOID := a.findNextOID(currentOID)
			if nextOID == nil {
				varbinds = append(varbinds, varbind{oid: currentOID, tag: tagEndOfMibView, value: nil})
				break
			}
			val, valTag := a.getOIDValue(nextOID)
			varbinds = append(varbinds, varbind{oid: nextOID, tag: valTag, value: val})
			currentOID = nextOID
		}
	}

	return a.buildResponse(community, requestID, errNoError, 0, varbinds)
}

// isValidCommunity checks if the given community string is configured.
func (a *Agent) isValidCommunity(community string) bool {
	if a.cfg == nil {
		return false
	}
	for _, c := range a.cfg.Communities {
		if c == community {
			return true
		}
	}
	return false
}

// getOIDValue returns the encoded value and BER tag for a given OID.
func (a *Agent) getOIDValue(oid []int) ([]byte, byte) {
	// System MIB group.
	if oidEqual(oid, oidSysDescr) {
		desc := "ustack embedded network services"
		if a.cfg != nil && a.cfg.Description != "" {
			desc = a.cfg.Description
		}
		return []byte(desc), tagOctetString
	}
	if oidEqual(oid, oidSysObjectID) {
		return berEncodeOID([]int{1, 3, 6, 1, 4, 1, 99999, 2}), tagObjectIdentifier
	}
	if oidEqual(oid, oidSysUpTime) {
		uptime := time.Since(a.startTime)
		hundredths := uint32(uptime.Milliseconds() / 10)
		return berEncodeUnsigned(hundredths), tagTimeTicks
	}
	if oidEqual(oid, oidSysContact) {
		contact := ""
		if a.cfg != nil {
			contact = a.cfg.Contact
		}
		return []byte(contact), tagOctetString
	}
	if oidEqual(oid, oidSysName) {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		return []byte(hostname), tagOctetString
	}
	if oidEqual(oid, oidSysLocation) {
		location := ""
		if a.cfg != nil {
			location = a.cfg.Location
		}
		return []byte(location), tagOctetString
	}

	// interfaces.ifNumber
	if oidEqual(oid, oidIfNumber) {
		return berEncodeIntegerValue(len(a.getIfData())), tagInteger
	}

	// ifTable: 1.3.6.1.2.1.2.2.1.<col>.<ifIndex>
	if len(oid) == len(oidIfTablePrefix)+2 && oidHasPrefix(oid, oidIfTablePrefix) {
		col := oid[len(oidIfTablePrefix)]
		ifIdx := oid[len(oidIfTablePrefix)+1]
		return a.getIfTableValue(col, ifIdx)
	}

	// ipNetToMediaTable: 1.3.6.1.2.1.4.22.1.<col>.<ifIndex>.<a>.<b>.<c>.<d>
	if len(oid) == len(oidNetToMediaPrefix)+6 && oidHasPrefix(oid, oidNetToMediaPrefix) {
		return a.getNetToMediaValue(oid[len(oidNetToMediaPrefix):])
	}

	return nil, 0
}

// getIfTableValue returns the value for a specific ifTable column and ifIndex.
func (a *Agent) getIfTableValue(col, ifIdx int) ([]byte, byte) {
	ifaces := a.getIfData()
	var iface *IfData
	for i := range ifaces {
		if ifaces[i].IfIndex == ifIdx {
			iface = &ifaces[i]
			break
		}
	}
	if iface == nil {
		return nil, 0
	}

	switch col {
	case 1: // ifIndex
		return berEncodeIntegerValue(iface.IfIndex), tagInteger
	case 2: // ifDescr
		return []byte(iface.IfDescr), tagOctetString
	case 3: // ifType
		return berEncodeIntegerValue(iface.IfType), tagInteger
	case 4: // ifMtu
		return berEncodeIntegerValue(iface.IfMtu), tagInteger
	case 5: // ifSpeed
		return berEncodeUnsigned(iface.IfSpeed), tagGauge32
	case 6: // ifPhysAddress
		return iface.PhysAddress, tagOctetString
	case 7: // ifAdminStatus
		return berEncodeIntegerValue(iface.AdminStatus), tagInteger
	case 8: // ifOperStatus
		return berEncodeIntegerValue(iface.OperStatus), tagInteger
	}
	return nil, 0
}

// getNetToMediaValue returns the value for one ipNetToMediaTable cell.
// index carries <col>.<ifIndex>.<a>.<b>.<c>.<d>.
func (a *Agent) getNetToMediaValue(index []int) ([]byte, byte) {
	col := index[0]
	ifIdx := index[1]
	var ipBytes [4]byte
	for i := 0; i < 4; i++ {
		v := index[2+i]
		if v < 0 || v > 255 {
			return nil, 0
		}
		ipBytes[i] = byte(v)
	}
	ip := netip.AddrFrom4(ipBytes)

	for _, row := range a.getMediaData() {
		if row.IfIndex != ifIdx || row.NetAddress != ip {
			continue
		}
		switch col {
		case 1: // ipNetToMediaIfIndex
			return berEncodeIntegerValue(row.IfIndex), tagInteger
		case 2: // ipNetToMediaPhysAddress
			return row.PhysAddress, tagOctetString
		case 3: // ipNetToMediaNetAddress
			b := row.NetAddress.As4()
			return b[:], tagIPAddress
		case 4: // ipNetToMediaType
			return berEncodeIntegerValue(row.Type), tagInteger
		}
		return nil, 0
	}
	return nil, 0
}

// netToMediaIndex builds the full OID for one table cell.
func netToMediaIndex(col int, row MediaEntry) []int {
	oid := make([]int, 0, len(oidNetToMediaPrefix)+6)
	oid = append(oid, oidNetToMediaPrefix...)
	oid = append(oid, col, row.IfIndex)
	b := row.NetAddress.As4()
	for _, octet := range b {
		oid = append(oid, int(octet))
	}
	return oid
}

// findNextOID returns the next OID in the tree after the given OID, or nil.
func (a *Agent) findNextOID(oid []int) []int {
	for _, candidate := range staticOIDs {
		if oidCompare(candidate, oid) > 0 {
			return candidate
		}
	}

	// ifTable: column-major walk, rows ordered by ifIndex.
	ifaces := a.getIfData()
	for _, col := range ifTableColumns {
		for _, iface := range ifaces {
			candidate := make([]int, 0, len(oidIfTablePrefix)+2)
			candidate = append(candidate, oidIfTablePrefix...)
			candidate = append(candidate, col, iface.IfIndex)
			if oidCompare(candidate, oid) > 0 {
				return candidate
			}
		}
	}

	// ipNetToMediaTable: column-major walk, rows ordered by (ifIndex, IP).
	rows := a.getMediaData()
	for _, col := range netToMediaColumns {
		for _, row := range rows {
			if !row.NetAddress.Is4() {
				continue
			}
			candidate := netToMediaIndex(col, row)
			if oidCompare(candidate, oid) > 0 {
				return candidate
			}
		}
	}
	return nil
}

// varbind holds a single OID-value binding.
type varbind struct {
	oid   []int
	tag   byte
	value []byte
}

// buildResponse constructs a complete SNMP v2c response packet.
func (a *Agent) buildResponse(community []byte, requestID int, errorStatus int, errorIndex int, varbinds []varbind) []byte {
	var vbListBytes []byte
	for _, vb := range varbinds {
		oidBytes := berEncodeTLV(tagObjectIdentifier, berEncodeOID(vb.oid))
		var valBytes []byte
		if vb.tag == tagNoSuchObject || vb.tag == tagNoSuchInstance || vb.tag == tagEndOfMibView {
			valBytes = berEncodeTLV(vb.tag, nil)
		} else {
			valBytes = berEncodeTLV(vb.tag, vb.value)
		}
		pair := append(oidBytes, valBytes...)
		vbListBytes = append(vbListBytes, berEncodeTLV(tagSequence, pair)...)
	}
	vbListEncoded := berEncodeTLV(tagSequence, vbListBytes)

	// PDU body: request-id, error-status, error-index, varbind-list.
	pduBody := berEncodeIntegerTLV(requestID)
	pduBody = append(pduBody, berEncodeIntegerTLV(errorStatus)...)
	pduBody = append(pduBody, berEncodeIntegerTLV(errorIndex)...)
	pduBody = append(pduBody, vbListEncoded...)

	pduEncoded := berEncodeTLV(pduGetResponse, pduBody)

	// Message: version, community, PDU.
	msgBody := berEncodeIntegerTLV(snmpVersion2c)
	msgBody = append(msgBody, berEncodeTLV(tagOctetString, community)...)
	msgBody = append(msgBody, pduEncoded...)

	return berEncodeTLV(tagSequence, msgBody)
}

// decodePDUFields decodes the common PDU fields: request-id,
// error-status/non-repeaters, error-index/max-repetitions, and the varbind
// list of OIDs.
func decodePDUFields(data []byte) (requestID int, field2 int, field3 int, oids [][]int, err error) {
	requestID, rest, err := berDecodeInteger(data)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("request-id: %w", err)
	}

	field2, rest, err = berDecodeInteger(rest)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("field2: %w", err)
	}

	field3, rest, err = berDecodeInteger(rest)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("field3: %w", err)
	}

	if len(rest) == 0 {
		return requestID, field2, field3, nil, nil
	}
	tag, vbListBody, err := berDecodeHeader(rest)
	if err != nil || tag != tagSequence {
		return 0, 0, 0, nil, fmt.Errorf("varbind list: not a SEQUENCE")
	}

	// Each varbind is SEQUENCE { OID, value }.
	remaining := vbListBody
	for len(remaining) > 0 {
		tag, vbBody, err := berDecodeHeader(remaining)
		if err != nil || tag != tagSequence {
			return 0, 0, 0, nil, fmt.Errorf("varbind: not a SEQUENCE")
		}
		vbTotalLen := berEncodedLen(remaining)
		if vbTotalLen <= 0 || vbTotalLen > len(remaining) {
			break
		}
		remaining = remaining[vbTotalLen:]

		if len(vbBody) < 2 || vbBody[0] != tagObjectIdentifier {
			continue
		}
		oidLen, oidLenBytes, err := berDecodeLength(vbBody[1:])
		if err != nil {
			continue
		}
		oidHeaderLen := 1 + oidLenBytes
		if oidHeaderLen+oidLen > len(vbBody) {
			continue
		}
		oid, err := berDecodeOID(vbBody[oidHeaderLen : oidHeaderLen+oidLen])
		if err != nil {
			continue
		}
		oids = append(oids, oid)
	}

	return requestID, field2, field3, oids, nil
}
