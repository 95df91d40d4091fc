package bridge

type Config struct {
	ICEServers []ICEServerConfig
	PortRange  PortRange
}

type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

type PortRange struct {
	Min int
	Max int
}
