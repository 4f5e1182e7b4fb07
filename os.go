package procflip

import "os"

type osIface interface {
	Getpid() int
	Executable() (string, error)
	Environ() []string
	StartProcess(name string, argv []string, attr *os.ProcAttr) (processIface, error)
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) Executable() (string, error) {
	return os.Executable()
}

func (realOS) Environ() []string {
	return os.Environ()
}

func (realOS) StartProcess(name string, argv []string, attr *os.ProcAttr) (processIface, error) {
	proc, err := os.StartProcess(name, argv, attr)
	if err != nil {
		return nil, err
	}
	return realProcess{proc}, nil
}

type processIface interface {
	Pid() int
	Signal(os.Signal) error
	Kill() error
}

type realProcess struct {
	*os.Process
}

func (p realProcess) Pid() int {
	return p.Process.Pid
}
