// ABOUTME: Time sync log file package
// ABOUTME: Append-only, block-checksummed log of device/master timestamp pairs
// Package tsyncfile reads and writes .tsync files.
//
// A .tsync file stores (device time, master time) correspondence pairs for
// one acquired stream. The header describes both time channels and carries a
// free-form metadata map. Records are grouped in blocks of BlockSize, each
// closed by a sentinel and an xxHash3 checksum so damage stays local to one
// block.
//
// Example:
//
//	w, err := tsyncfile.Create("session/camera_front", tsyncfile.Header{
//	    ModuleName: "camera",
//	    Device: tsyncfile.Channel{Name: "device", Unit: tsyncfile.UnitMicroseconds, Encoding: tsyncfile.EncodingInt64},
//	    Master: tsyncfile.Channel{Name: "master", Unit: tsyncfile.UnitMicroseconds, Encoding: tsyncfile.EncodingInt64},
//	})
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	w.WriteTimes(deviceMicros, masterMicros)
//
//	f, err := tsyncfile.ReadFile("session/camera_front.tsync")
//	if !f.Intact() {
//	    log.Printf("blocks %v may be unreliable", f.CorruptBlocks)
//	}
package tsyncfile
