package boardcount

// Portnumbers holds all TCP port numbers used by boardcount.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds all TCP port numbers used by boardcount.
var Ports = Portnumbers{5600, 5601}

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}
