package ltc4015

const (
	// 7-bit I2C address (1101_000b).
	AddressDefault = 0x68

	// Readouts / status (16-bit word registers)
	regChargerState = 0x34
	regChargeStatus = 0x35
	regSystemStatus = 0x39
	regVBAT         = 0x3A
	regVIN          = 0x3B
	regIBAT         = 0x3D
	regChemCells    = 0x43
)
