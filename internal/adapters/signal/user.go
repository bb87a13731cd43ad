package signal

func (ctl *SignalWSController) handleWhoAmI(c *WsSignalConn) {
	ev := whoAmIEvent{Type: MsgWhoAmI, ParticipantID: c.pid, DisplayName: c.name}
	if p, ok := ctl.Orch.Registry.GetParticipant(c.pid); ok {
		ev.MeetingID = p.MeetingID
		ev.DisplayName = p.DisplayName
		ev.Role = p.Role
	}
	ctl.sendJSON(c, ev)
}
