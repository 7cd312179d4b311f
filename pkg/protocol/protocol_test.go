// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Test Helpers
// ============================================================

func mustFrame(t *testing.T, msgType, seq uint8, payload []byte) []byte {
	t.Helper()
	frame, err := EncodeFrame(msgType, seq, payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return frame
}

func patternPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	crc := CalculateCRC([]byte{})
	if crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x29B1,
		},
		{
			name:     "single zero byte",
			data:     []byte{0x00},
			expected: 0xE1F0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := CalculateCRC(tt.data)
			if crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

func TestFrameCRC_MatchesFlatCRC(t *testing.T) {
	payload := []byte{1, 2, 3}
	flat := CalculateCRC([]byte{MsgStatus, 3, 9, 1, 2, 3})
	if got := frameCRC(MsgStatus, 3, 9, payload); got != flat {
		t.Errorf("frameCRC = 0x%04X, want 0x%04X", got, flat)
	}
}

// ============================================================
// Encoder Tests
// ============================================================

func TestEncodeFrame_Layout(t *testing.T) {
	frame := mustFrame(t, MsgCmdSetTemp, 0x42, []byte{0x00, 0x9A, 0x03})

	if len(frame) != HeaderSize+3+CRCSize {
		t.Fatalf("frame length %d, want %d", len(frame), HeaderSize+3+CRCSize)
	}
	if frame[0] != SyncByte || frame[1] != MsgCmdSetTemp || frame[2] != 3 || frame[3] != 0x42 {
		t.Errorf("unexpected header % X", frame[:4])
	}

	crc := CalculateCRC(frame[1:7])
	if frame[7] != byte(crc) || frame[8] != byte(crc>>8) {
		t.Errorf("CRC not low byte first: got % X, CRC 0x%04X", frame[7:], crc)
	}
}

func TestEncodeFrame_PayloadTooLarge(t *testing.T) {
	_, err := EncodeFrame(MsgDebug, 0, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodePacket_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("EncodePacket should panic on oversize payload")
		}
	}()
	p := &Packet{msgType: MsgDebug, payload: make([]byte, MaxPayloadSize+1)}
	EncodePacket(p)
}

func TestNewPacket_CopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	p := NewPacket(MsgDebug, 1, payload)
	payload[0] = 99
	if p.Payload()[0] != 1 {
		t.Error("NewPacket should copy the payload")
	}
	if p.Length() != 3 || p.Type() != MsgDebug || p.Seq() != 1 {
		t.Errorf("unexpected packet fields: type=0x%02X seq=%d len=%d", p.Type(), p.Seq(), p.Length())
	}
}

// ============================================================
// Decoder Tests
// ============================================================

func TestDecoder_RoundTripAllLengths(t *testing.T) {
	for n := 0; n <= MaxPayloadSize; n++ {
		payload := patternPayload(n)
		want := NewPacket(MsgDebug, uint8(n), payload)
		frame := EncodePacket(want)

		packets, errs := Decode(frame)
		if len(errs) != 0 {
			t.Fatalf("len %d: unexpected errors %v", n, errs)
		}
		if len(packets) != 1 {
			t.Fatalf("len %d: expected 1 packet, got %d", n, len(packets))
		}
		if !packets[0].Equal(want) {
			t.Errorf("len %d: decoded packet differs", n)
		}
	}
}

func TestDecoder_SingleBitFlipsDetected(t *testing.T) {
	original := NewPacket(MsgStatus, 17, patternPayload(12))
	frame := EncodePacket(original)

	for i := 1; i < len(frame); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), frame...)
			corrupted[i] ^= 1 << bit

			packets, errs := Decode(corrupted)
			for _, p := range packets {
				if p.Equal(original) {
					t.Fatalf("flip byte %d bit %d: corrupted frame decoded as original", i, bit)
				}
			}
			// A flip outside the length byte keeps the frame boundary and must be a CRC failure
			if i != 2 {
				if len(packets) != 0 {
					t.Fatalf("flip byte %d bit %d: decoded %d packets", i, bit, len(packets))
				}
				if len(errs) != 1 || !errors.Is(errs[0], ErrCRCMismatch) {
					t.Fatalf("flip byte %d bit %d: expected CRC error, got %v", i, bit, errs)
				}
			}
		}
	}
}

func TestDecoder_RejectsLengthOverMax(t *testing.T) {
	good := mustFrame(t, MsgPing, 5, nil)
	data := append([]byte{SyncByte, MsgDebug, MaxPayloadSize + 1}, good...)

	packets, errs := Decode(data)
	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidLength) {
		t.Fatalf("expected one ErrInvalidLength, got %v", errs)
	}
	if len(packets) != 1 || packets[0].Type() != MsgPing || packets[0].Seq() != 5 {
		t.Errorf("decoder did not resynchronize on the following frame")
	}
}

func TestDecoder_SkipsNoiseBetweenFrames(t *testing.T) {
	var data []byte
	data = append(data, 0x00, 0x13, 0x55, 0xFF)
	data = append(data, mustFrame(t, MsgAlarm, 1, Alarm{Code: AlarmWaterLow}.Encode())...)
	data = append(data, 0x01, 0x02)
	data = append(data, mustFrame(t, MsgPing, 2, nil)...)

	packets, errs := Decode(data)
	if len(errs) != 0 {
		t.Fatalf("noise should be skipped silently, got %v", errs)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
	if packets[0].Type() != MsgAlarm || packets[1].Type() != MsgPing {
		t.Errorf("unexpected packet types 0x%02X 0x%02X", packets[0].Type(), packets[1].Type())
	}
}

func TestDecoder_ResyncAfterCRCError(t *testing.T) {
	bad := mustFrame(t, MsgStatus, 1, patternPayload(4))
	bad[len(bad)-1] ^= 0xFF
	good := mustFrame(t, MsgStatus, 2, patternPayload(4))

	packets, errs := Decode(append(bad, good...))
	if len(errs) != 1 || !errors.Is(errs[0], ErrCRCMismatch) {
		t.Fatalf("expected one CRC error, got %v", errs)
	}
	if len(packets) != 1 || packets[0].Seq() != 2 {
		t.Errorf("expected the second frame to decode")
	}
}

func TestDecoder_Timeout(t *testing.T) {
	clock := newFakeClock()
	d := NewDecoder()
	d.SetClock(clock.Now)

	for _, b := range []byte{SyncByte, MsgStatus, 4} {
		if _, err := d.DecodeByte(b); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if !d.InFrame() {
		t.Fatal("decoder should be mid-frame")
	}

	if d.CheckTimeout(clock.Now().Add(ParserTimeout), ParserTimeout) {
		t.Error("timeout fired at exactly the limit")
	}
	clock.Advance(ParserTimeout + time.Millisecond)
	if !d.CheckTimeout(clock.Now(), ParserTimeout) {
		t.Fatal("expected timeout after the limit")
	}
	if d.InFrame() {
		t.Error("decoder should wait for SYNC after a timeout")
	}
	if d.CheckTimeout(clock.Now().Add(time.Hour), ParserTimeout) {
		t.Error("idle decoder should never time out")
	}
}

func TestDecoder_RawBytes(t *testing.T) {
	d := NewDecoder()
	frame := mustFrame(t, MsgPing, 0, nil)
	for _, b := range frame[:len(frame)-1] {
		d.DecodeByte(b)
	}
	if !bytes.Equal(d.GetRawBytes(), frame[:len(frame)-1]) {
		t.Errorf("raw bytes % X, want % X", d.GetRawBytes(), frame[:len(frame)-1])
	}
}

// ============================================================
// Payload Tests
// ============================================================

func TestStatus_RoundTrip(t *testing.T) {
	s := Status{
		BrewTemp:         932,
		SteamTemp:        1245,
		GroupTemp:        880,
		Pressure:         900,
		BrewSetpoint:     935,
		SteamSetpoint:    1250,
		BrewOutput:       40,
		SteamOutput:      100,
		PumpOutput:       0,
		State:            StateReady,
		Flags:            FlagHeating,
		WaterLevel:       80,
		PowerWatts:       1400,
		UptimeMs:         123456,
		ShotStartMs:      0,
		Strategy:         2,
		CleaningReminder: true,
		BrewCount:        101,
	}
	b := s.Encode()
	if len(b) != StatusSize {
		t.Fatalf("status encodes to %d bytes, want %d", len(b), StatusSize)
	}
	if b[0] != 0xA4 || b[1] != 0x03 {
		t.Errorf("brew temp not little-endian: % X", b[0:2])
	}
	got, err := DecodeStatus(b)
	if err != nil {
		t.Fatalf("DecodeStatus failed: %v", err)
	}
	if got != s {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, s)
	}
}

func TestStatus_NegativeTemperature(t *testing.T) {
	got, err := DecodeStatus(Status{BrewTemp: -55}.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.BrewTemp != -55 {
		t.Errorf("BrewTemp = %d, want -55", got.BrewTemp)
	}
}

func TestDecode_ShortPayloads(t *testing.T) {
	decoders := map[string]func([]byte) error{
		"status":     func(p []byte) error { _, err := DecodeStatus(p); return err },
		"alarm":      func(p []byte) error { _, err := DecodeAlarm(p); return err },
		"boot":       func(p []byte) error { _, err := DecodeBoot(p); return err },
		"ack":        func(p []byte) error { _, err := DecodeAck(p); return err },
		"config":     func(p []byte) error { _, err := DecodeConfig(p); return err },
		"env":        func(p []byte) error { _, err := DecodeEnvConfig(p); return err },
		"statistics": func(p []byte) error { _, err := DecodeBrewStats(p); return err },
		"handshake":  func(p []byte) error { _, err := DecodeHandshake(p); return err },
		"diag":       func(p []byte) error { _, err := DecodeDiagResult(p); return err },
		"set temp":   func(p []byte) error { _, err := DecodeSetTemp(p); return err },
		"set pid":    func(p []byte) error { _, err := DecodeSetPID(p); return err },
		"threshold":  func(p []byte) error { _, err := DecodeCleaningThreshold(p); return err },
	}
	for name, decode := range decoders {
		if err := decode([]byte{0x01}); !errors.Is(err, ErrShortPayload) {
			t.Errorf("%s: expected ErrShortPayload, got %v", name, err)
		}
	}
}

func TestBoot_DeviceIDOptional(t *testing.T) {
	full := Boot{Major: 1, Minor: 2, Patch: 3, MachineType: 1, ResetReason: 0x08}
	full.DeviceID[0] = 0xDE
	full.DeviceID[15] = 0xAD

	b := full.Encode()
	if len(b) != BootSize {
		t.Fatalf("boot encodes to %d bytes, want %d", len(b), BootSize)
	}
	got, err := DecodeBoot(b)
	if err != nil || got != full {
		t.Errorf("full boot mismatch: %+v, %v", got, err)
	}

	short, err := DecodeBoot(b[:11])
	if err != nil {
		t.Fatalf("11 byte boot should decode: %v", err)
	}
	if short.ResetReason != 0x08 || short.DeviceID != [16]byte{} {
		t.Errorf("unexpected short boot %+v", short)
	}
}

func TestEnvConfig_Floats(t *testing.T) {
	e := EnvConfig{Voltage: 230, MaxCurrent: 16, BrewCurrent: 4.35, SteamCurrent: 6.52, MaxCombinedCurrent: 14.5}
	b := e.Encode()
	if len(b) != EnvConfigSize {
		t.Fatalf("env config encodes to %d bytes, want %d", len(b), EnvConfigSize)
	}
	got, err := DecodeEnvConfig(b)
	if err != nil || got != e {
		t.Errorf("env config mismatch: %+v, %v", got, err)
	}
}

func TestBrewStats_Size(t *testing.T) {
	s := BrewStats{TotalBrews: 1000, AvgBrewMs: 27000, LastBrewUptime: 99}
	b := s.Encode()
	if len(b) != BrewStatsSize {
		t.Fatalf("statistics encode to %d bytes, want %d", len(b), BrewStatsSize)
	}
	got, err := DecodeBrewStats(b)
	if err != nil || got != s {
		t.Errorf("statistics mismatch: %+v, %v", got, err)
	}
}

func TestDiagResult_MessageTruncated(t *testing.T) {
	d := DiagResult{Test: 0x31, Result: 1, Value: -3, Min: 0, Max: 100, Message: strings.Repeat("x", 40)}
	b := d.Encode()
	if len(b) != DiagResultSize {
		t.Fatalf("diag result encodes to %d bytes", len(b))
	}
	if b[DiagResultSize-1] != 0 {
		t.Error("message must be NUL terminated")
	}
	got, err := DecodeDiagResult(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Message) != 23 || got.Value != -3 {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestDiagHeader_RoundTrip(t *testing.T) {
	h := DiagHeader{Count: 7, Pass: 5, Fail: 1, Warn: 1, Complete: true, DurationMs: 350}
	got, err := DecodeDiagHeader(h.Encode())
	if err != nil || got != h {
		t.Errorf("diag header mismatch: %+v, %v", got, err)
	}
}

func TestLogMessage_Truncated(t *testing.T) {
	b := LogMessage{Level: 2, Text: strings.Repeat("a", 50)}.Encode()
	if len(b) != MaxPayloadSize {
		t.Fatalf("log payload %d bytes, want %d", len(b), MaxPayloadSize)
	}
	got, err := DecodeLogMessage(b)
	if err != nil || got.Level != 2 || len(got.Text) != MaxLogText {
		t.Errorf("unexpected log message %+v, %v", got, err)
	}
}

func TestConfigCommand_Bodies(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		check   func(ConfigCommand) bool
	}{
		{"strategy", EncodeConfigStrategy(3), func(c ConfigCommand) bool { return c.Strategy == 3 }},
		{"preinfusion", EncodeConfigPreinfusion(ConfigPreinfusionData{Enabled: true, OnMs: 1500, PauseMs: 2500}),
			func(c ConfigCommand) bool {
				return c.Preinfusion == ConfigPreinfusionData{Enabled: true, OnMs: 1500, PauseMs: 2500}
			}},
		{"environmental", EncodeConfigEnvironmental(ConfigEnvironmentalData{Voltage: 120, MaxCurrent: 15}),
			func(c ConfigCommand) bool { return c.Environmental.Voltage == 120 && c.Environmental.MaxCurrent == 15 }},
		{"temps", EncodeConfigTemps(ConfigTempsData{Brew: 930, Steam: 1250}),
			func(c ConfigCommand) bool { return c.Temps.Brew == 930 && c.Temps.Steam == 1250 }},
		{"eco", EncodeConfigEco(EcoData{Enabled: true, Temp: 800, TimeoutMinutes: 30}),
			func(c ConfigCommand) bool { return c.Eco == EcoData{Enabled: true, Temp: 800, TimeoutMinutes: 30} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeConfigCommand(tt.payload)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if c.Kind != tt.payload[0] || !tt.check(c) {
				t.Errorf("unexpected config command %+v", c)
			}
		})
	}

	if _, err := DecodeConfigCommand([]byte{ConfigTemps, 1}); !errors.Is(err, ErrShortPayload) {
		t.Errorf("truncated temps should fail, got %v", err)
	}
}

func TestEcoCommand_Forms(t *testing.T) {
	enter, err := DecodeEcoCommand([]byte{EcoEnter})
	if err != nil || enter.Configure || enter.Action != EcoEnter {
		t.Errorf("short form: %+v, %v", enter, err)
	}

	cfg := EcoData{Enabled: true, Temp: 850, TimeoutMinutes: 45}
	long, err := DecodeEcoCommand(cfg.Encode())
	if err != nil || !long.Configure || long.Config != cfg {
		t.Errorf("long form: %+v, %v", long, err)
	}

	if _, err := DecodeEcoCommand(nil); !errors.Is(err, ErrShortPayload) {
		t.Errorf("empty eco command should fail, got %v", err)
	}
}

func TestSmallCommands(t *testing.T) {
	st, err := DecodeSetTemp(SetTemp{Target: TargetSteam, Temp: 1300}.Encode())
	if err != nil || st.Target != TargetSteam || st.Temp != 1300 {
		t.Errorf("set temp: %+v, %v", st, err)
	}
	pid, err := DecodeSetPID(SetPID{Target: TargetBrew, Kp: 250, Ki: 10, Kd: 500}.Encode())
	if err != nil || pid.Kp != 250 || pid.Ki != 10 || pid.Kd != 500 {
		t.Errorf("set pid: %+v, %v", pid, err)
	}
	n, err := DecodeCleaningThreshold(EncodeCleaningThreshold(250))
	if err != nil || n != 250 {
		t.Errorf("threshold: %d, %v", n, err)
	}
	if DecodeDiagnosticsCommand(nil) != DiagAll || DecodeDiagnosticsCommand([]byte{0x33}) != 0x33 {
		t.Error("diagnostics command decode")
	}
	lc, err := DecodeLogConfig([]byte{1})
	if err != nil || !lc.Enabled || lc.MinLevel != 0 {
		t.Errorf("log config: %+v, %v", lc, err)
	}
}

// ============================================================
// Error Mapping Tests
// ============================================================

func TestResultFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{"nil", nil, ResultSuccess},
		{"refused", Refusef(ResultRejected, "not in READY"), ResultRejected},
		{"wrapped refusal", errors.Join(errors.New("ctx"), Refuse(ResultNotReady, nil)), ResultNotReady},
		{"nack", &NackError{Type: MsgCmdBrew, Result: ResultBusy}, ResultBusy},
		{"busy", ErrBusy, ResultBusy},
		{"timeout", ErrAckTimeout, ResultTimeout},
		{"not ready", ErrNotReady, ResultNotReady},
		{"short payload", ErrShortPayload, ResultInvalid},
		{"other", errors.New("boom"), ResultFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultFor(tt.err); got != tt.want {
				t.Errorf("ResultFor(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestCommandError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := Refuse(ResultFailed, inner)
	if !errors.Is(err, inner) {
		t.Error("CommandError should unwrap to the inner error")
	}
	if !strings.Contains(err.Error(), "FAILED") {
		t.Errorf("error text %q should name the result", err.Error())
	}
}

// ============================================================
// Formatter and Validator Tests
// ============================================================

func TestFormatMessageType(t *testing.T) {
	if got := FormatMessageType(MsgCmdSetTemp); got != "CMD_SET_TEMP" {
		t.Errorf("FormatMessageType(0x10) = %q", got)
	}
	if got := FormatMessageType(0xFF); got != "UNKNOWN(0xFF)" {
		t.Errorf("FormatMessageType(0xFF) = %q", got)
	}
}

func TestFormatPacket(t *testing.T) {
	p := NewPacket(MsgStatus, 3, Status{BrewTemp: 930, State: StateHeating, Flags: FlagHeating}.Encode())
	out := FormatPacket(p)
	for _, want := range []string{"STATUS (0x01)", "seq=3", "HEATING", "93.0°C"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted packet missing %q:\n%s", want, out)
		}
	}

	if out := FormatPayload(MsgStatus, []byte{1, 2}); !strings.Contains(out, "malformed") {
		t.Errorf("short status should be reported malformed: %q", out)
	}
	if out := FormatPayload(0x7F, []byte{0xAB}); !strings.Contains(out, "Raw: AB") {
		t.Errorf("unknown type should dump raw bytes: %q", out)
	}
}

func TestValidatePacket(t *testing.T) {
	ok := NewPacket(MsgStatus, 0, Status{BrewTemp: 930, State: StateIdle}.Encode())
	if errs := ValidatePacket(ok); len(errs) != 0 {
		t.Errorf("valid status flagged: %v", errs)
	}

	hot := NewPacket(MsgStatus, 0, Status{BrewTemp: 2500, BrewOutput: 150, State: 9}.Encode())
	errs := ValidatePacket(hot)
	kinds := map[AnomalyType]bool{}
	for _, e := range errs {
		kinds[e.Type] = true
	}
	for _, want := range []AnomalyType{AnomalyInvalidTemp, AnomalyInvalidDuty, AnomalyInvalidState} {
		if !kinds[want] {
			t.Errorf("missing anomaly %d in %v", want, errs)
		}
	}

	short := NewPacket(MsgStatus, 0, []byte{1, 2, 3})
	if errs := ValidatePacket(short); len(errs) != 1 || errs[0].Type != AnomalyLengthMismatch {
		t.Errorf("expected length mismatch, got %v", errs)
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	s.Update(NewPacket(MsgPing, 0, nil), nil, nil)
	s.Update(nil, ErrCRCMismatch, nil)
	s.Update(nil, ErrInvalidLength, nil)
	s.Update(NewPacket(MsgStatus, 0, nil), nil, []ValidationError{{Type: AnomalyLengthMismatch}})

	if s.TotalPackets != 4 || s.ValidPackets != 1 || s.CRCErrors != 1 || s.DecodeErrors != 1 || s.LengthMismatches != 1 {
		t.Errorf("unexpected statistics %+v", s)
	}
	if !strings.Contains(s.String(), "CRC Errors") {
		t.Error("summary should list CRC errors")
	}
	s.Reset()
	if s.TotalPackets != 0 {
		t.Error("Reset should clear counters")
	}
}
