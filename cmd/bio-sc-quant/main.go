// Command bio-sc-quant turns a RAD file of barcoded, UMI-tagged read
// mappings into a cell-by-gene count matrix.
//
// Usage:
//   bio-sc-quant permit [flags] input.rad outdir
//   bio-sc-quant collate [flags] input.rad collatedir
//   bio-sc-quant quant [flags] collatedir outdir
//   bio-sc-quant run [flags] input.rad outdir
package main

import (
	"fmt"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scquant/pipeline"
	"v.io/x/lib/cmdline"
)

func newCmdPermit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "permit",
		Short:    "Select the permit set of cell barcodes",
		ArgsName: "input.rad outdir",
		Long: `
Counts reads per barcode and writes the selected barcodes to
outdir/permit_list.tsv, with selection statistics in outdir/permit_stats.tsv.`,
	}
	var f optsFlags
	addPermitFlags(&cmd.Flags, &f)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("permit takes input.rad outdir, but got %v", argv)
		}
		opts, err := f.opts()
		if err != nil {
			return err
		}
		_, err = pipeline.GeneratePermitList(vcontext.Background(), argv[0], argv[1], opts)
		return err
	})
	return cmd
}

func newCmdCollate() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "collate",
		Short:    "Correct barcodes and group reads by cell",
		ArgsName: "input.rad collatedir",
		Long: `
Writes collatedir/collated.rad, holding one chunk per permitted cell in permit
list order, together with the permit list used.`,
	}
	var f optsFlags
	addCollateFlags(&cmd.Flags, &f)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("collate takes input.rad collatedir, but got %v", argv)
		}
		opts, err := f.opts()
		if err != nil {
			return err
		}
		_, err = pipeline.Collate(vcontext.Background(), argv[0], argv[1], opts)
		return err
	})
	return cmd
}

func newCmdQuant() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "quant",
		Short:    "Resolve UMIs of a collated directory into a count matrix",
		ArgsName: "collatedir outdir",
	}
	var f optsFlags
	addQuantFlags(&cmd.Flags, &f)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("quant takes collatedir outdir, but got %v", argv)
		}
		opts, err := f.opts()
		if err != nil {
			return err
		}
		_, err = pipeline.Quant(vcontext.Background(), argv[0], argv[1], opts)
		return err
	})
	return cmd
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run",
		Short:    "Run permit selection, collation and quantification in one pass",
		ArgsName: "input.rad outdir",
		Long: `
The matrix files in outdir appear only if every stage succeeds. No intermediate
collated file is written.`,
	}
	var f optsFlags
	addCollateFlags(&cmd.Flags, &f)
	addQuantFlags(&cmd.Flags, &f)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("run takes input.rad outdir, but got %v", argv)
		}
		opts, err := f.opts()
		if err != nil {
			return err
		}
		diag, err := pipeline.Run(vcontext.Background(), argv[0], argv[1], opts)
		if err != nil {
			return err
		}
		log.Printf("run: %d reads, %d cells, %d molecules", diag.Correction.Reads,
			diag.Quant.Buckets, diag.Quant.Molecules)
		return nil
	})
	return cmd
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:     "bio-sc-quant",
		Short:    "Single-cell UMI quantification from RAD files",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdPermit(),
			newCmdCollate(),
			newCmdQuant(),
			newCmdRun(),
		},
	})
}
