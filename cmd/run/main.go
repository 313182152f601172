package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fumin/fciqmc"
	"github.com/fumin/fciqmc/checkpoint"
	"github.com/fumin/fciqmc/config"
	"github.com/fumin/fciqmc/ham"
	"github.com/fumin/fciqmc/ising"
	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/metrics"
	"github.com/fumin/fciqmc/rdm"
	"github.com/fumin/fciqmc/solver"
	"github.com/fumin/fciqmc/sparse"
	"github.com/fumin/fciqmc/stats"
	"github.com/fumin/fciqmc/wavefunction"
)

const (
	fnameStats   = "stats.csv"
	fnameSummary = "summary.json"
)

var (
	configPath  string
	runDir      string
	matrixPath  string
	metricsAddr string
	refIndex    uint64
	lattice     [2]int
	coupling    float64
	field       float64
	flipFlop    float64

	rootCmd = &cobra.Command{
		Use:          "run",
		Short:        "Projector quantum Monte Carlo of spin lattices",
		SilenceUsage: true,
	}
	runCmd = &cobra.Command{
		Use:   "qmc",
		Short: "Run the population dynamics, writing statistics to the run directory",
		RunE:  func(cmd *cobra.Command, args []string) error { return runQMC(cmd.Context()) },
	}
	exactCmd = &cobra.Command{
		Use:   "exact",
		Short: "Diagonalise the lattice exactly, optionally writing its matrix as CSV",
		RunE:  func(cmd *cobra.Command, args []string) error { return runExact() },
	}
)

func init() {
	for _, c := range []*cobra.Command{runCmd, exactCmd} {
		c.Flags().IntVar(&lattice[0], "ly", 2, "lattice rows")
		c.Flags().IntVar(&lattice[1], "lx", 2, "lattice columns")
		c.Flags().Float64Var(&coupling, "j", 1, "nearest neighbour zz coupling")
		c.Flags().Float64Var(&field, "h", 1, "transverse field")
		c.Flags().Float64Var(&flipFlop, "g", 0, "nearest neighbour flip-flop coupling")
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	runCmd.Flags().StringVarP(&runDir, "dir", "d", filepath.Join("runs", "fciqmc"), "run directory")
	runCmd.Flags().StringVar(&matrixPath, "matrix", "", "CSV matrix to simulate instead of the lattice")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on")
	runCmd.Flags().Uint64Var(&refIndex, "ref", 0, "index of the initial reference basis function")
	exactCmd.Flags().StringVar(&matrixPath, "matrix", "", "write the lattice matrix as CSV to this path")

	rootCmd.AddCommand(runCmd, exactCmd)
}

func model() (ham.Hamiltonian, error) {
	if matrixPath == "" {
		m, err := ising.New(lattice, coupling, field, flipFlop)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return m, nil
	}

	f, err := os.Open(matrixPath)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer f.Close()
	coo, err := sparse.ReadCSV(f)
	if err != nil {
		return nil, errors.Wrap(err, matrixPath)
	}
	md, err := sparse.NewModel(coo)
	if err != nil {
		return nil, errors.Wrap(err, matrixPath)
	}
	return md, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("%+v", errors.Wrap(err, addr))
		}
	}()
	return srv
}

func runQMC(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	h, err := model()
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.MkdirAll(runDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}
	log.Printf("config\n%s", cfg)

	f, err := os.Create(filepath.Join(runDir, fnameStats))
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer f.Close()
	shape := wavefunction.Shape{NRoot: cfg.Wavefunction.NRoot, NReplica: cfg.Wavefunction.NReplica}
	opts := []solver.Option{solver.WithStatsWriter(stats.NewWriter(f, shape.NPart(), h.NClass()))}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, solver.WithMetrics(metrics.New(reg)))
		srv := serveMetrics(metricsAddr, reg)
		defer srv.Close()
	}
	if cfg.Checkpoint.Path != "" {
		cp, err := checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			return errors.Wrap(err, "")
		}
		defer cp.Close()
		opts = append(opts, solver.WithCheckpoint(cp))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := fciqmc.Run(ctx, cfg, h, mbf.Index(refIndex), opts...)
	if err != nil {
		return errors.Wrap(err, "")
	}
	last, ok := res.Last()
	if !ok {
		log.Printf("stopped before the first cycle")
		return nil
	}

	summary := stats.NewSummary(res.RunID, cfg.NRank, last)
	if h.NSite() <= sparse.MaxExactSite {
		e0, err := groundEnergy(h)
		if err != nil {
			return errors.Wrap(err, "")
		}
		exact := stats.Float(e0)
		summary.ExactEnergy = &exact
	}
	if len(res.RDM) > 0 {
		summary.RDM = make(map[string][]stats.Float, len(res.RDM))
		for k, t := range res.RDM {
			summary.RDM[k] = stats.Floats(flatten(t))
		}
		if err := logObservables(h, res.RDM); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if err := stats.WriteSummary(filepath.Join(runDir, fnameSummary), summary); err != nil {
		return errors.Wrap(err, "")
	}
	log.Printf("run %s cycle %d shift %v energy %v", res.RunID, last.Cycle, last.Shift, last.ProjEnergy)
	return nil
}

func groundEnergy(h ham.Hamiltonian) (float64, error) {
	coo, err := sparse.FromModel(h)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	vvs, err := coo.Eigen()
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return vvs[0].Val, nil
}

// flatten returns the real parts of t in row-major order.
func flatten(t *tensor.Dense) []float64 {
	shape := t.Shape()
	n := 1
	for _, s := range shape {
		n *= s
	}
	vs := make([]float64, 0, n)
	idx := make([]int, len(shape))
	for range n {
		vs = append(vs, float64(real(t.At(idx...))))
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return vs
}

func logObservables(h ham.Hamiltonian, rdms map[string]*tensor.Dense) error {
	m, ok := h.(*ising.Ising)
	if !ok {
		return nil
	}
	one, ok1 := rdms[rdm.One]
	two, ok2 := rdms[rdm.Two]
	if !ok1 || !ok2 {
		return nil
	}
	obs, err := m.Observables(one, two)
	if err != nil {
		return errors.Wrap(err, "")
	}
	log.Printf("rdm energy %f mx %f zz %f flipflop %f", obs.Energy, obs.MagnetizationX, obs.CorrelationZZ, obs.FlipFlop)
	return nil
}

func runExact() error {
	m, err := ising.New(lattice, coupling, field, flipFlop)
	if err != nil {
		return errors.Wrap(err, "")
	}
	coo, err := sparse.FromModel(m)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if matrixPath != "" {
		if err := writeMatrix(matrixPath, coo); err != nil {
			return errors.Wrap(err, "")
		}
	}
	vvs, err := coo.Eigen()
	if err != nil {
		return errors.Wrap(err, "")
	}
	s, err := m.GetStatistics(vvs)
	if err != nil {
		return errors.Wrap(err, "")
	}

	e := make([]float64, 3)
	for i := range min(len(e), len(s.EigenValue)) {
		e[i] = s.EigenValue[i]
	}
	fmt.Printf("n0,n1,j,h,g,e0,e1,e2,m,binder\n")
	fmt.Printf("%d,%d,%f,%f,%f,%f,%f,%f,%f,%f\n", lattice[0], lattice[1], coupling, field, flipFlop, e[0], e[1], e[2], s.Magnetization, s.BinderCumulant)
	return nil
}

func writeMatrix(path string, coo *sparse.COO) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := coo.WriteCSV(f); err != nil {
		f.Close()
		return errors.Wrap(err, "")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func main() {
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
