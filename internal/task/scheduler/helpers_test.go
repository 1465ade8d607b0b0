package scheduler

import logx "modbot/pkg/logx"

func logxNop() logx.Logger { return logx.Nop() }
