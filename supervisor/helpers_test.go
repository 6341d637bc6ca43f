package supervisor_test

import "github.com/choongmanee/mtprecd/mtp"

func dataContainer(code uint16, tx uint32, payload []byte) []byte {
	return mtp.EncodeData(code, tx, payload)
}

// responseContainer builds a synthetic Response container: EncodeCommand
// produces the right 12-byte-header-plus-params shape, only the Type
// field needs patching from Command to Response.
func responseContainer(code uint16, tx uint32, params ...uint32) []byte {
	buf := mtp.EncodeCommand(code, tx, params)
	buf[4] = byte(mtp.ContainerResponse)
	buf[5] = byte(mtp.ContainerResponse >> 8)
	return buf
}
