// Package corefile implements access to C++ programs contained in core dump
// files or snapshots of live processes.
//
// A Program is composed of memory, types, global variables, and symbols.
// Memory comes from the core file's PT_LOAD segments, backed by the
// executable's segments for pages the kernel did not dump. Types and
// globals come from the executable's DWARF; symbols come from DWARF
// subprogram ranges and the ELF symbol table. Position-independent
// executables are relocated by the load bias recorded in the auxiliary
// vector.
//
// A Value describes a typed region of memory. Types follow C++: numeric
// types, pointers and references, arrays, structs (with base classes
// flattened into named fields), enums, and function types. Fields of base
// classes are promoted, so FieldByName("__left_") finds a member inherited
// from a base class.
//
// Program.Eval evaluates simple C++ expressions over globals, FormatValue
// prints values the way a debugger would, and Program.PCInfo maps code
// addresses to functions and source lines.
//
// Programs can also be built by hand with NewProgram, MapMemory,
// DefineStructType, DefineGlobal, and DefineSymbol. See package coretest.
//
// Currently unsupported:
//
// * DWARF bitfields, which are skipped when reading struct members
//
// * Shared libraries: only the main executable's types and symbols are loaded
//
// * Core files in formats other than Linux/ELF
package corefile
