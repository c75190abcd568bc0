package xssh

// SSH message numbers, RFC 4250 section 4.1.2.
const (
	msgDisconnect          = 1
	msgIgnore              = 2
	msgUnimplemented       = 3
	msgDebug               = 4
	msgServiceRequest      = 5
	msgServiceAccept       = 6
	msgExtInfo             = 7
	msgKexInit             = 20
	msgUserAuthRequest     = 50
	msgUserAuthFailure     = 51
	msgUserAuthSuccess     = 52
	msgUserAuthBanner      = 53
	msgUserAuthInfoRequest = 60
	msgUserAuthInfoResp    = 61
	msgGlobalRequest       = 80
	msgRequestSuccess      = 81
	msgRequestFailure      = 82
	msgChannelOpen         = 90
	msgChannelOpenConfirm  = 91
	msgChannelOpenFailure  = 92
	msgChannelWindowAdjust = 93
	msgChannelData         = 94
	msgChannelExtendedData = 95
	msgChannelEOF          = 96
	msgChannelClose        = 97
	msgChannelRequest      = 98
	msgChannelSuccess      = 99
	msgChannelFailure      = 100
)

const (
	serviceUserAuth   = "ssh-userauth"
	serviceConnection = "ssh-connection"
)

type disconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

type serviceRequestMsg struct {
	Service string `sshtype:"5"`
}

type serviceAcceptMsg struct {
	Service string `sshtype:"6"`
}

type userAuthRequestMsg struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

type userAuthFailureMsg struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

type userAuthBannerMsg struct {
	Message string `sshtype:"53"`
	Rest    []byte `ssh:"rest"`
}

type userAuthInfoRequestMsg struct {
	Name        string `sshtype:"60"`
	Instruction string
	Language    string
	NumPrompts  uint32
	Prompts     []byte `ssh:"rest"`
}

type globalRequestMsg struct {
	Type      string `sshtype:"80"`
	WantReply bool
	Data      []byte `ssh:"rest"`
}

type globalRequestSuccessMsg struct {
	Data []byte `ssh:"rest" sshtype:"81"`
}

type globalRequestFailureMsg struct {
	Data []byte `ssh:"rest" sshtype:"82"`
}

type channelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

type windowAdjustMsg struct {
	PeersID         uint32 `sshtype:"93"`
	AdditionalBytes uint32
}

type channelDataMsg struct {
	PeersID uint32 `sshtype:"94"`
	Data    []byte
}

type channelExtendedDataMsg struct {
	PeersID  uint32 `sshtype:"95"`
	DataType uint32
	Data     []byte
}

type channelEOFMsg struct {
	PeersID uint32 `sshtype:"96"`
}

type channelCloseMsg struct {
	PeersID uint32 `sshtype:"97"`
}

type channelRequestMsg struct {
	PeersID             uint32 `sshtype:"98"`
	Request             string
	WantReply           bool
	RequestSpecificData []byte `ssh:"rest"`
}

type channelRequestSuccessMsg struct {
	PeersID uint32 `sshtype:"99"`
}

type channelRequestFailureMsg struct {
	PeersID uint32 `sshtype:"100"`
}

// payloads carried inside the messages above

type forwardRequest struct {
	Host string
	Port uint32
}

type forwardedTCPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

type directTCPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type setenvMsg struct {
	Name  string
	Value string
}

type execMsg struct {
	Command string
}

type subsystemMsg struct {
	Name string
}

type signalMsg struct {
	Signal string
}
