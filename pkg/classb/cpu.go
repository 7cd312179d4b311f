// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package classb

import "math/bits"

// cpuReg is written and read back through memory so the checks below are
// executed rather than folded at compile time
var cpuReg uint32

var cpuPatterns = [...]uint32{0x00000000, 0xFFFFFFFF, 0xAAAAAAAA, 0x55555555, 0x12345678, 0x87654321}

func cpuTest() Report {
	for _, p := range cpuPatterns {
		cpuReg = p
		if cpuReg != p {
			return fail(TestCPU, int32(p), "register pattern 0x%08X", p)
		}
		if bits.OnesCount32(cpuReg)+bits.OnesCount32(^cpuReg) != 32 {
			return fail(TestCPU, int32(p), "bit count 0x%08X", p)
		}
		if bits.RotateLeft32(bits.RotateLeft32(cpuReg, 7), -7) != p {
			return fail(TestCPU, int32(p), "rotate 0x%08X", p)
		}
	}

	cpuReg = 0
	for i := uint32(0); i < 100; i++ {
		cpuReg += i
	}
	if cpuReg != 4950 {
		return fail(TestCPU, int32(cpuReg), "sum %d", cpuReg)
	}

	cpuReg = 12345
	cpuReg *= 67
	if cpuReg != 827115 {
		return fail(TestCPU, int32(cpuReg), "product %d", cpuReg)
	}
	cpuReg /= 67
	if cpuReg != 12345 {
		return fail(TestCPU, int32(cpuReg), "quotient %d", cpuReg)
	}

	hi, lo := bits.Mul32(0xFFFFFFFF, 0xFFFFFFFF)
	if hi != 0xFFFFFFFE || lo != 1 {
		return fail(TestCPU, 0, "wide multiply %08X:%08X", hi, lo)
	}
	return pass(TestCPU)
}
