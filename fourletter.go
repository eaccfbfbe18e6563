package cnxn

import "encoding/binary"

// fourLetterToken is the big-endian packing of a 4-byte ASCII diagnostic
// command, interpreted in place of a frame length prior to handshake.
type fourLetterToken uint32

func tokenOf(s string) fourLetterToken {
	return fourLetterToken(binary.BigEndian.Uint32([]byte(s)))
}

// The closed set of recognized probes. Order here has no significance; it's
// alphabetical to make the table easy to audit against §4.3.
var fourLetterTable = map[fourLetterToken]string{
	tokenOf("conf"): "conf",
	tokenOf("cons"): "cons",
	tokenOf("crst"): "crst",
	tokenOf("dump"): "dump",
	tokenOf("envi"): "envi",
	tokenOf("gtmk"): "gtmk",
	tokenOf("ruok"): "ruok",
	tokenOf("srst"): "srst",
	tokenOf("srvr"): "srvr",
	tokenOf("stat"): "stat",
	tokenOf("stmk"): "stmk",
	tokenOf("wchc"): "wchc",
	tokenOf("wchp"): "wchp",
	tokenOf("wchs"): "wchs",
}

// lookupFourLetter reports whether a raw big-endian uint32 (as read off the
// wire in place of a frame length) matches a recognized probe, and if so,
// its name.
func lookupFourLetter(v uint32) (name string, ok bool) {
	name, ok = fourLetterTable[fourLetterToken(v)]
	return name, ok
}
