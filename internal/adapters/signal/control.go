package signal

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, typed{Type: MsgPong})
}

func (ctl *SignalWSController) handleRouterCapabilities(conn *WsSignalConn) {
	ctl.sendJSON(conn, routerCapabilitiesEvent{Type: MsgRouterCapabilities, RtpCapabilities: ctl.Orch.Capabilities()})
}
