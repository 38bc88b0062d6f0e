package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"desitarget/internal/bitmask"
	"desitarget/internal/config"
	"desitarget/internal/engine"
	"desitarget/internal/obsstate"
)

func masksCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "masks",
		Short: "Inspect target masks",
		Long:  "Masks are loaded from the bundled document for the survey, or from masks_file in desitarget.yml.",
	}
	m.AddCommand(masksListCmd())
	m.AddCommand(masksShowCmd())
	return m
}

func masksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the masks of the survey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(_ *config.Config, eng *engine.Engine) error {
				type row struct {
					Mask string `json:"mask"`
					Bits int    `json:"bits"`
				}
				var rows []row
				for _, name := range eng.Registry.Masks() {
					mask, err := eng.Registry.Mask(name)
					if err != nil {
						return err
					}
					rows = append(rows, row{Mask: name, Bits: mask.Len()})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("survey " + eng.Survey())
				tw.AppendHeader(table.Row{"Mask", "Bits"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Mask, r.Bits})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func masksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mask>",
		Short: "Show every bit of a mask with its resolved rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(_ *config.Config, eng *engine.Engine) error {
				mask, err := eng.Registry.Mask(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(mask.Bits())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				header := table.Row{"Bit", "Name", "ObsConditions"}
				for _, s := range obsstate.All() {
					header = append(header, s.String())
				}
				header = append(header, "NumObs")
				tw.AppendHeader(header)
				for _, def := range mask.Bits() {
					row := table.Row{def.Bit, def.Name, conditions(def)}
					vals, ok, err := eng.PriorityRule(mask.Name(), def.Name)
					if err != nil {
						return err
					}
					for _, s := range obsstate.All() {
						row = append(row, cell(vals.At(s)))
					}
					if !ok {
						for i := 3; i < len(row); i++ {
							row[i] = "-"
						}
					}
					n, ok, err := eng.NumObsRule(mask.Name(), def.Name)
					if err != nil {
						return err
					}
					row = append(row, cell(n, ok))
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
}

func conditions(def bitmask.BitDefinition) string {
	parts := make([]string, len(def.ObsConditions))
	for i, c := range def.ObsConditions {
		parts[i] = string(c)
	}
	return strings.Join(parts, "|")
}

func cell(v int, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprint(v)
}

func bitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bit <mask> <bit name or number>",
		Short: "Show one bit with its resolved priority and numobs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(_ *config.Config, eng *engine.Engine) error {
				def, err := lookupBit(eng, args[0], args[1])
				if err != nil {
					return err
				}
				out := map[string]any{"definition": def, "value": def.Value()}
				if vals, ok, err := eng.PriorityRule(args[0], def.Name); err != nil {
					return err
				} else if ok {
					pr := map[string]int{}
					for _, s := range obsstate.All() {
						if v, ok := vals.At(s); ok {
							pr[s.String()] = v
						}
					}
					out["priorities"] = pr
				}
				if n, ok, err := eng.NumObsRule(args[0], def.Name); err != nil {
					return err
				} else if ok {
					out["numobs"] = n
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func lookupBit(eng *engine.Engine, mask, bit string) (bitmask.BitDefinition, error) {
	n, err := strconv.Atoi(bit)
	if err != nil {
		return eng.Registry.Lookup(mask, bit)
	}
	m, err := eng.Registry.Mask(mask)
	if err != nil {
		return bitmask.BitDefinition{}, err
	}
	def, ok := m.ByNumber(n)
	if !ok {
		return bitmask.BitDefinition{}, bitmask.UnknownBitError{Mask: mask, Bit: bit}
	}
	return def, nil
}

// parseBitArg reads mask.BIT, optionally suffixed with @STATE.
func parseBitArg(arg string, state obsstate.State) (engine.Contribution, error) {
	ref, st, hasState := strings.Cut(arg, "@")
	mask, bit, ok := strings.Cut(ref, ".")
	if !ok || mask == "" || bit == "" {
		return engine.Contribution{}, fmt.Errorf("bit %q must look like mask.BIT", arg)
	}
	if hasState {
		s, err := obsstate.Parse(st)
		if err != nil {
			return engine.Contribution{}, err
		}
		state = s
	}
	return engine.Contribution{BitRef: engine.BitRef{Mask: mask, Bit: bit}, State: state}, nil
}

func priorityCmd() *cobra.Command {
	var stateName string
	cmd := &cobra.Command{
		Use:   "priority <mask.BIT[@STATE]>...",
		Short: "Combined priority of a set of bits",
		Example: `  desitarget priority desi_mask.LRG bgs_mask.BGS_BRIGHT
  desitarget priority desi_mask.QSO@MORE_ZGOOD desi_mask.LRG@DONE`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := obsstate.Parse(stateName)
			if err != nil {
				return err
			}
			contribs := make([]engine.Contribution, 0, len(args))
			for _, a := range args {
				c, err := parseBitArg(a, state)
				if err != nil {
					return err
				}
				contribs = append(contribs, c)
			}
			return withEngine(func(_ *config.Config, eng *engine.Engine) error {
				p, err := eng.Priority(contribs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"survey": eng.Survey(), "priority": p})
				}
				fmt.Println(p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stateName, "state", obsstate.Unobs.String(), "observation state for bits without @STATE")
	return cmd
}

func numobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "numobs <mask.BIT>...",
		Short: "Number of observations requested for a set of bits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]engine.BitRef, 0, len(args))
			for _, a := range args {
				c, err := parseBitArg(a, obsstate.Unobs)
				if err != nil {
					return err
				}
				refs = append(refs, c.BitRef)
			}
			return withEngine(func(_ *config.Config, eng *engine.Engine) error {
				n, err := eng.NumObs(refs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"survey": eng.Survey(), "numobs": n})
				}
				fmt.Println(n)
				return nil
			})
		},
	}
}

func stateCmd() *cobra.Command {
	var numObs, numObsMore, zWarn int
	var fromName, toName string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Observation state implied by redshift information",
		Long: `Derive a target's observation state from NUMOBS, NUMOBS_MORE and ZWARN.
With --from, the derived state (or --to) must be reachable from that state;
DONOTOBSERVE is reachable from any state but DONOTOBSERVE itself.`,
		Example: `  desitarget state --numobs 1 --numobs-more 2
  desitarget state --from DONE --to DONOTOBSERVE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s obsstate.State
			var err error
			if toName != "" {
				s, err = obsstate.Parse(toName)
			} else {
				s, err = obsstate.FromRedshift(numObs, numObsMore, zWarn)
			}
			if err != nil {
				return err
			}
			out := map[string]any{"state": s, "terminal": s.Terminal()}
			if fromName != "" {
				from, err := obsstate.Parse(fromName)
				if err != nil {
					return err
				}
				if _, err := obsstate.Advance(from, s); err != nil {
					return err
				}
				out["from"] = from
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Println(s)
			return nil
		},
	}
	cmd.Flags().IntVar(&numObs, "numobs", 0, "observations so far")
	cmd.Flags().IntVar(&numObsMore, "numobs-more", 0, "further observations requested")
	cmd.Flags().IntVar(&zWarn, "zwarn", 0, "redshift warning flags")
	cmd.Flags().StringVar(&fromName, "from", "", "previous state; the new state must be reachable from it")
	cmd.Flags().StringVar(&toName, "to", "", "check this state instead of deriving one")
	return cmd
}

func targetIDCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "targetid",
		Short: "Pack and unpack TARGETID fields",
	}
	t.AddCommand(&cobra.Command{
		Use:   "decode <targetid>",
		Short: "Split a TARGETID into its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid targetid %q", args[0])
			}
			return withEngine(func(_ *config.Config, eng *engine.Engine) error {
				layout := eng.Registry.TargetID()
				values := layout.Decode(id)
				if viper.GetBool("json") {
					return printJSON(values)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Bits", "Value", "Description"})
				for _, f := range layout.Fields() {
					tw.AppendRow(table.Row{f.Name, fmt.Sprintf("%d-%d", f.BitNum, f.BitNum+f.NBits-1), values[f.Name], f.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:     "encode <FIELD=value>...",
		Short:   "Pack field values into a TARGETID",
		Example: "  desitarget targetid encode RELEASE=9010 BRICKID=330000 OBJID=1234",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]uint64, len(args))
			for _, a := range args {
				name, raw, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("field %q must look like NAME=value", a)
				}
				v, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					return fmt.Errorf("field %s: invalid value %q", name, raw)
				}
				values[strings.ToUpper(name)] = v
			}
			return withEngine(func(_ *config.Config, eng *engine.Engine) error {
				id, err := eng.Registry.TargetID().Encode(values)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]uint64{"targetid": id})
				}
				fmt.Println(id)
				return nil
			})
		},
	})
	return t
}
