package registry

// Command ids. Only the ones with a codec get a named constant.
const (
	CmdDeviceStatusReq byte = 0x01
	CmdDeviceStatus    byte = 0x02
	CmdANZVUpdate      byte = 0x24
	CmdBMBTB0          byte = 0x47
	CmdBMBTB1          byte = 0x48
	CmdKnob            byte = 0x49
	CmdGTMonitorCtrl   byte = 0x4F
)

var deviceTable = []Entry{
	{0x00, "GM", "Body module"},
	{0x08, "SHD", "Sunroof control"},
	{0x18, "CDC", "CD changer"},
	{0x24, "HKM", "Tailgate module"},
	{0x28, "FUH", "Radio controlled clock"},
	{0x30, "CCM", "Check control module"},
	{0x3B, "GT", "Graphics driver (navigation)"},
	{0x3F, "DIA", "Diagnostic"},
	{0x40, "FBZV", "Remote central locking"},
	{0x43, "GTF", "Graphics driver rear"},
	{0x44, "EWS", "Immobiliser"},
	{0x46, "CID", "Central information display"},
	{0x47, "FMBT", "Rear monitor controls"},
	{0x50, "MFL", "Multi-function steering wheel"},
	{0x51, "MM0", "Mirror memory"},
	{0x5B, "IHKA", "Climate control"},
	{0x60, "PDC", "Park distance control"},
	{0x68, "RAD", "Radio"},
	{0x6A, "DSP", "Digital sound processor"},
	{0x70, "RDC", "Tyre pressure control"},
	{0x72, "SM0", "Seat memory"},
	{0x73, "SDRS", "Satellite radio"},
	{0x76, "CDCD", "CD changer DIN"},
	{0x7F, "NAVE", "Navigation Europe"},
	{0x80, "IKE", "Instrument cluster"},
	{0x9B, "MM1", "Mirror memory second"},
	{0x9C, "MM2", "Mirror memory third"},
	{0xA0, "FMID", "Rear multi-info display"},
	{0xA4, "ABM", "Air bag module"},
	{0xA7, "FHK", "Rear climate control"},
	{0xA8, "NAVC", "Navigation China"},
	{0xAC, "EHC", "Electronic height control"},
	{0xB0, "SES", "Speech input system"},
	{0xBB, "NAVJ", "Navigation Japan"},
	{0xBF, "GLO", "Global broadcast"},
	{0xC0, "MID", "Multi-info display"},
	{0xC8, "TEL", "Telephone"},
	{0xCA, "TCU", "Telematics control unit"},
	{0xD0, "LCM", "Light control module"},
	{0xE0, "IRIS", "Integrated radio information system"},
	{0xE7, "ANZV", "Front display"},
	{0xE8, "RLS", "Rain/light sensor"},
	{0xED, "VMTV", "Video module TV"},
	{0xF0, "BMBT", "On-board monitor"},
	{0xF5, "CSU", "Centre switch control unit"},
	{0xFF, "LOC", "Local"},
}

var commandTable = []Entry{
	{0x01, "DeviceStatusReq", "Device status request"},
	{0x02, "DeviceStatus", "Device status ready"},
	{0x03, "BusStatusReq", "Bus status request"},
	{0x04, "BusStatus", "Bus status"},
	{0x06, "DiagMemoryRead", "Diagnostic memory read"},
	{0x07, "DiagMemoryWrite", "Diagnostic memory write"},
	{0x08, "DiagCodingRead", "Diagnostic coding read"},
	{0x09, "DiagCodingWrite", "Diagnostic coding write"},
	{0x0C, "VehicleCtrl", "Vehicle control"},
	{0x10, "IgnitionStatusReq", "Ignition status request"},
	{0x11, "IgnitionStatus", "Ignition status"},
	{0x12, "SensorStatusReq", "IKE sensor status request"},
	{0x13, "SensorStatus", "IKE sensor status"},
	{0x14, "CountryCodingReq", "Country coding request"},
	{0x15, "CountryCoding", "Country coding"},
	{0x16, "OdometerReq", "Odometer request"},
	{0x17, "Odometer", "Odometer"},
	{0x18, "SpeedRpm", "Speed/RPM"},
	{0x19, "Temperature", "Temperature"},
	{0x1A, "TextGong", "IKE text display/gong"},
	{0x1B, "TextStatus", "IKE text status"},
	{0x1C, "Gong", "IKE gong"},
	{0x1D, "TemperatureReq", "Temperature request"},
	{0x1F, "TimeData", "Time and date"},
	{0x20, "GTChangeUIReq", "GT change UI request"},
	{0x21, "MT", "Radio short cuts"},
	{0x21, "GTChangeUI", "GT change UI"},
	{0x22, "GTMenuBuffer", "Display text ack"},
	{0x23, "GTWriteTitle", "Display text"},
	{0x24, "ANZVUpdate", "Update ANZV"},
	{0x2A, "OBCSUpdate", "On-board computer state update"},
	{0x2B, "TelephoneIndicator", "Telephone indicators"},
	{0x2C, "TelephoneStatus", "Telephone status"},
	{0x31, "GTMenuSelect", "GT menu select"},
	{0x32, "MFLButtons", "MFL volume buttons"},
	{0x34, "DSPEqButton", "DSP equalizer button"},
	{0x37, "GTDisplayRadioMenu", "GT radio menu"},
	{0x38, "CDStatusReq", "CD status request"},
	{0x39, "CDStatus", "CD status"},
	{0x3B, "MFLButtons2", "MFL buttons"},
	{0x3D, "SDRSStatusReq", "SDRS status request"},
	{0x3E, "SDRSStatus", "SDRS status"},
	{0x40, "OBCDSet", "Set on-board computer data"},
	{0x41, "OBCDReq", "On-board computer data request"},
	{0x45, "GTScreenModeSet", "GT screen mode"},
	{0x46, "LCDClear", "LCD clear"},
	{0x47, "BMBTB0", "BMBT buttons"},
	{0x48, "BMBTB1", "BMBT buttons"},
	{0x49, "Knob", "BMBT knob turn"},
	{0x4A, "K7Ctrl", "Cassette control"},
	{0x4B, "K7Status", "Cassette status"},
	{0x4E, "GTRadioTelevisionStatus", "Radio/TV status"},
	{0x4F, "GTMonitorCtrl", "RGB control"},
	{0x53, "VehicleDataReq", "Vehicle data request"},
	{0x54, "VehicleData", "Vehicle data status"},
	{0x5A, "LampStatusReq", "Lamp status request"},
	{0x5B, "LampStatus", "Lamp status"},
	{0x5C, "InstrumentLightStatus", "Instrument cluster lighting status"},
	{0x5D, "InstrumentLightStatusReq", "Instrument cluster lighting request"},
	{0x60, "GTWriteIndex", "GT write index"},
	{0x61, "GTWriteIndexTMC", "GT write index TMC"},
	{0x62, "GTWriteZone", "GT write zone"},
	{0x63, "GTWriteStatic", "GT write static"},
	{0x71, "RainStatusReq", "Rain sensor status request"},
	{0x72, "RemoteKeyButton", "Remote key buttons"},
	{0x74, "EWSKeyStatus", "EWS key status"},
	{0x79, "DoorsWindowsStatusReq", "Doors/windows status request"},
	{0x7A, "DoorsWindowsStatus", "Doors/windows status"},
	{0x7C, "SHDStatus", "Sunroof status"},
	{0xA0, "DiagData", "Diagnostic data"},
	{0xA2, "GTTelematicsCoordinates", "Telematics coordinates"},
	{0xA4, "GTTelematicsLocation", "Telematics location"},
	{0xA5, "GTWriteWithCursor", "Screen text"},
	{0xA6, "SpecialIndicatorsAck", "IKE special indicators ack"},
	{0xA7, "TMCStatusReq", "TMC status request"},
	{0xA8, "TMCStatus", "TMC status"},
	{0xA9, "NavigationTelephoneData", "Navigation telephone data"},
	{0xAA, "NavigationCtrl", "Navigation control"},
	{0xAB, "NavigationRemoteCtrl", "Remote control status"},
	{0xD4, "RDSChannels", "RDS channel list"},
}
